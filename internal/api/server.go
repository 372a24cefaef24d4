// Package api exposes the engine over HTTP using fasthttp.
package api

import (
	"context"
	"strconv"
	"time"

	"github.com/fasthttp/router"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"
	"github.com/valyala/fasthttp/fasthttpadaptor"

	"github.com/smukkama/footprint-engine/internal/aggregation"
	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/forecast"
	"github.com/smukkama/footprint-engine/internal/logging"
	"github.com/smukkama/footprint-engine/internal/metrics"
	"github.com/smukkama/footprint-engine/internal/targets"
)

// Service is the engine surface served over HTTP
type Service interface {
	Aggregate(ctx context.Context, q aggregation.Query) (domain.AggregateResult, error)
	GetBaseline(ctx context.Context, orgID string, d domain.Domain, year *int) (targets.Baseline, error)
	GetTarget(ctx context.Context, orgID string, d domain.Domain) (domain.Target, error)
	SaveTarget(ctx context.Context, t *domain.Target) error
	GetProgress(ctx context.Context, orgID string, d domain.Domain) (domain.Progress, error)
	GetProjected(ctx context.Context, orgID string, d domain.Domain) (domain.ForecastResult, error)
	GetYoYComparison(ctx context.Context, orgID string, d domain.Domain, period domain.Period) (domain.YoYComparison, error)
	GetTopSources(ctx context.Context, orgID string, d domain.Domain, period domain.Period, limit int) ([]domain.EmissionSource, error)
	GetIntensityMetrics(ctx context.Context, orgID string, d domain.Domain, period domain.Period, oc domain.OrgContext) (domain.IntensityMetrics, error)
	Invalidate(ctx context.Context, orgID string, d domain.Domain) (int, error)
	BreakerState() forecast.BreakerState
}

// Options configures the HTTP surface
type Options struct {
	// RequestTimeout bounds every engine call made by a handler
	RequestTimeout time.Duration
	// Gatherer backs GET /metrics; nil disables the route
	Gatherer prometheus.Gatherer
}

const requestIDKey = "requestId"

// NewHandler builds the router and wraps it with request-id and metrics middleware
func NewHandler(svc Service, opts Options, logger logrus.FieldLogger, m *metrics.Metrics) fasthttp.RequestHandler {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 30 * time.Second
	}
	logger = logging.Module(logger, "api")
	h := &handlers{svc: svc, timeout: opts.RequestTimeout, logger: logger}

	r := router.New()
	r.SaveMatchedRoutePath = true

	r.GET("/healthz", h.health())
	if opts.Gatherer != nil {
		r.GET("/metrics", fasthttpadaptor.NewFastHTTPHandler(
			promhttp.HandlerFor(opts.Gatherer, promhttp.HandlerOpts{})))
	}

	v1 := r.Group("/v1/orgs/{org}/{domain}")
	v1.GET("/aggregate", h.aggregate())
	v1.GET("/baseline", h.baseline())
	v1.GET("/target", h.getTarget())
	v1.PUT("/target", h.putTarget())
	v1.GET("/progress", h.progress())
	v1.GET("/forecast", h.forecast())
	v1.GET("/yoy", h.yoy())
	v1.GET("/top-sources", h.topSources())
	v1.GET("/intensity", h.intensity())
	v1.POST("/invalidate", h.invalidate())

	return RequestLogger(logger, m, r.Handler)
}

// RequestLogger assigns a request id, then logs and measures every request
func RequestLogger(logger logrus.FieldLogger, m *metrics.Metrics, next fasthttp.RequestHandler) fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		start := time.Now()

		id := string(ctx.Request.Header.Peek("X-Request-ID"))
		if id == "" {
			id = uuid.NewString()
		}
		ctx.SetUserValue(requestIDKey, id)
		ctx.Response.Header.Set("X-Request-ID", id)

		next(ctx)

		route, _ := ctx.UserValue(router.MatchedRoutePathParam).(string)
		if route == "" {
			route = "unmatched"
		}
		status := ctx.Response.StatusCode()
		elapsed := time.Since(start)
		m.ObserveHTTP(route, strconv.Itoa(status), elapsed)

		entry := logger.WithFields(logrus.Fields{
			"requestId": id,
			"method":    string(ctx.Method()),
			"path":      string(ctx.Path()),
			"status":    status,
			"duration":  elapsed.String(),
		})
		if status >= fasthttp.StatusInternalServerError {
			entry.Warn("Request failed")
		} else {
			entry.Debug("Request served")
		}
	}
}
