package api

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/valyala/fasthttp"

	"github.com/smukkama/footprint-engine/internal/aggregation"
	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/logging"
)

const defaultTopSources = 10

type handlers struct {
	svc     Service
	timeout time.Duration
	logger  logrus.FieldLogger
}

// call runs an engine operation under the request timeout and writes
// either its result or the mapped error.
func (h *handlers) call(ctx *fasthttp.RequestCtx, funcName string, op func(c context.Context) (any, error)) {
	c, cancel := context.WithTimeout(context.Background(), h.timeout)
	defer cancel()

	res, err := op(c)
	if err != nil {
		h.fail(ctx, funcName, err)
		return
	}
	jsonResponse(ctx, fasthttp.StatusOK, res)
}

func (h *handlers) fail(ctx *fasthttp.RequestCtx, funcName string, err error) {
	code := statusFor(err)
	if code >= fasthttp.StatusInternalServerError {
		id, _ := ctx.UserValue(requestIDKey).(string)
		logging.LogError(h.logger, funcName, string(ctx.Path()), id, err)
	}
	errResponse(ctx, code, err.Error())
}

func (h *handlers) health() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		jsonResponse(ctx, fasthttp.StatusOK, map[string]any{
			"status":  "ok",
			"breaker": h.svc.BreakerState().String(),
		})
	}
}

func (h *handlers) aggregate() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		org, d, err := pathParams(ctx)
		if err != nil {
			h.fail(ctx, "aggregate", err)
			return
		}
		period, err := parsePeriod(ctx)
		if err != nil {
			h.fail(ctx, "aggregate", err)
			return
		}
		q := aggregation.Query{
			OrganizationID: org,
			Domain:         d,
			Period:         period,
			SiteID:         string(ctx.QueryArgs().Peek("site")),
		}
		h.call(ctx, "aggregate", func(c context.Context) (any, error) {
			return h.svc.Aggregate(c, q)
		})
	}
}

func (h *handlers) baseline() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		org, d, err := pathParams(ctx)
		if err != nil {
			h.fail(ctx, "baseline", err)
			return
		}
		year, ok, err := parseOptionalInt(ctx, "year")
		if err != nil {
			h.fail(ctx, "baseline", err)
			return
		}
		var requested *int
		if ok {
			requested = &year
		}
		h.call(ctx, "baseline", func(c context.Context) (any, error) {
			return h.svc.GetBaseline(c, org, d, requested)
		})
	}
}

func (h *handlers) getTarget() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		org, d, err := pathParams(ctx)
		if err != nil {
			h.fail(ctx, "getTarget", err)
			return
		}
		h.call(ctx, "getTarget", func(c context.Context) (any, error) {
			return h.svc.GetTarget(c, org, d)
		})
	}
}

func (h *handlers) putTarget() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		org, d, err := pathParams(ctx)
		if err != nil {
			h.fail(ctx, "putTarget", err)
			return
		}
		var t domain.Target
		if err := json.Unmarshal(ctx.PostBody(), &t); err != nil {
			h.fail(ctx, "putTarget", fmt.Errorf("%w: malformed target body: %v", domain.ErrInvalidQuery, err))
			return
		}
		// the route names the target; the body cannot move it
		t.OrganizationID = org
		t.Domain = d
		h.call(ctx, "putTarget", func(c context.Context) (any, error) {
			if err := h.svc.SaveTarget(c, &t); err != nil {
				return nil, err
			}
			return t, nil
		})
	}
}

func (h *handlers) progress() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		org, d, err := pathParams(ctx)
		if err != nil {
			h.fail(ctx, "progress", err)
			return
		}
		h.call(ctx, "progress", func(c context.Context) (any, error) {
			return h.svc.GetProgress(c, org, d)
		})
	}
}

func (h *handlers) forecast() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		org, d, err := pathParams(ctx)
		if err != nil {
			h.fail(ctx, "forecast", err)
			return
		}
		h.call(ctx, "forecast", func(c context.Context) (any, error) {
			return h.svc.GetProjected(c, org, d)
		})
	}
}

func (h *handlers) yoy() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		org, d, err := pathParams(ctx)
		if err != nil {
			h.fail(ctx, "yoy", err)
			return
		}
		period, err := parsePeriod(ctx)
		if err != nil {
			h.fail(ctx, "yoy", err)
			return
		}
		h.call(ctx, "yoy", func(c context.Context) (any, error) {
			return h.svc.GetYoYComparison(c, org, d, period)
		})
	}
}

func (h *handlers) topSources() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		org, d, err := pathParams(ctx)
		if err != nil {
			h.fail(ctx, "topSources", err)
			return
		}
		period, err := parsePeriod(ctx)
		if err != nil {
			h.fail(ctx, "topSources", err)
			return
		}
		limit, ok, err := parseOptionalInt(ctx, "limit")
		if err != nil {
			h.fail(ctx, "topSources", err)
			return
		}
		if !ok {
			limit = defaultTopSources
		}
		h.call(ctx, "topSources", func(c context.Context) (any, error) {
			return h.svc.GetTopSources(c, org, d, period, limit)
		})
	}
}

func (h *handlers) intensity() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		org, d, err := pathParams(ctx)
		if err != nil {
			h.fail(ctx, "intensity", err)
			return
		}
		period, err := parsePeriod(ctx)
		if err != nil {
			h.fail(ctx, "intensity", err)
			return
		}
		var oc domain.OrgContext
		for name, dst := range map[string]*float64{
			"employees": &oc.Employees,
			"revenue":   &oc.Revenue,
			"area":      &oc.AreaM2,
		} {
			if *dst, err = parseOptionalFloat(ctx, name); err != nil {
				h.fail(ctx, "intensity", err)
				return
			}
		}
		h.call(ctx, "intensity", func(c context.Context) (any, error) {
			return h.svc.GetIntensityMetrics(c, org, d, period, oc)
		})
	}
}

func (h *handlers) invalidate() fasthttp.RequestHandler {
	return func(ctx *fasthttp.RequestCtx) {
		org, d, err := pathParams(ctx)
		if err != nil {
			h.fail(ctx, "invalidate", err)
			return
		}
		h.call(ctx, "invalidate", func(c context.Context) (any, error) {
			n, err := h.svc.Invalidate(c, org, d)
			if err != nil {
				return nil, err
			}
			return map[string]int{"invalidated": n}, nil
		})
	}
}
