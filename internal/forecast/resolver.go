// Package forecast projects the in-progress year's total through an
// ordered list of tiers: cached, model service, linear extrapolation.
package forecast

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/smukkama/footprint-engine/internal/aggregation"
	"github.com/smukkama/footprint-engine/internal/cache"
	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/logging"
	"github.com/smukkama/footprint-engine/internal/metrics"
)

// Options configures the resolver
type Options struct {
	Cycle         string
	ModelTimeout  time.Duration
	HistoryMonths int
	StaleTTL      time.Duration
	Breaker       BreakerConfig
	Precision     map[domain.Domain]int32
	Now           func() time.Time
}

// DefaultOptions returns the settings used when none are configured
func DefaultOptions() Options {
	return Options{
		Cycle:         CycleDaily,
		ModelTimeout:  2 * time.Second,
		HistoryMonths: 24,
		StaleTTL:      7 * 24 * time.Hour,
		Breaker:       BreakerConfig{MaxFailures: 3, ResetTimeout: 30 * time.Second},
		Now:           time.Now,
	}
}

// Resolver produces year-end forecasts. It never fails because of the
// model service; it fails only when the metric store does and no earlier
// forecast is cached.
type Resolver struct {
	agg        aggregation.Aggregator
	cache      cache.Cache
	strategies []strategy
	breaker    *Breaker
	opts       Options
	logger     logrus.FieldLogger
	metrics    *metrics.Metrics
	group      singleflight.Group
}

// NewResolver builds the tier list. A nil model client skips the model tier.
func NewResolver(agg aggregation.Aggregator, c cache.Cache, model ModelClient, opts Options, logger logrus.FieldLogger, m *metrics.Metrics) *Resolver {
	def := DefaultOptions()
	if opts.Cycle != CycleWeekly {
		opts.Cycle = CycleDaily
	}
	if opts.ModelTimeout <= 0 {
		opts.ModelTimeout = def.ModelTimeout
	}
	if opts.HistoryMonths <= 0 {
		opts.HistoryMonths = def.HistoryMonths
	}
	if opts.StaleTTL <= 0 {
		opts.StaleTTL = def.StaleTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if c == nil {
		c = cache.NewMemory()
	}

	r := &Resolver{
		agg:     agg,
		cache:   c,
		opts:    opts,
		logger:  logging.Module(logger, "forecast"),
		metrics: m,
	}

	r.strategies = append(r.strategies, cacheTier{cache: c})
	if model != nil {
		r.breaker = NewBreaker(opts.Breaker, model.Health, logger, m)
		r.strategies = append(r.strategies, &modelTier{
			client:        model,
			breaker:       r.breaker,
			timeout:       opts.ModelTimeout,
			historyMonths: opts.HistoryMonths,
			cache:         c,
			logger:        r.logger,
			onError:       m.ModelError,
		})
	}
	r.strategies = append(r.strategies, linearTier{})
	return r
}

// Breaker exposes the model breaker, nil when no model is configured
func (r *Resolver) Breaker() *Breaker {
	return r.breaker
}

func (r *Resolver) precision(d domain.Domain) int32 {
	if p, ok := r.opts.Precision[d]; ok {
		return p
	}
	return 1
}

func latestKey(orgID string, d domain.Domain) string {
	return cache.Key("forecast-latest", orgID, string(d))
}

// GetProjected forecasts the current calendar year's total
func (r *Resolver) GetProjected(ctx context.Context, orgID string, d domain.Domain) (domain.ForecastResult, error) {
	if orgID == "" {
		return domain.ForecastResult{}, fmt.Errorf("%w: organization id is required", domain.ErrInvalidQuery)
	}
	if !d.Valid() {
		return domain.ForecastResult{}, fmt.Errorf("%w: unknown domain %q", domain.ErrInvalidQuery, d)
	}

	req := r.newRequest(orgID, d)
	key := req.cycleKey()

	ch := r.group.DoChan(key, func() (interface{}, error) {
		return r.resolve(ctx, req)
	})
	select {
	case <-ctx.Done():
		return domain.ForecastResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			if isContextErr(res.Err) && ctx.Err() == nil {
				return r.resolve(ctx, r.newRequest(orgID, d))
			}
			return domain.ForecastResult{}, res.Err
		}
		return res.Val.(domain.ForecastResult), nil
	}
}

func (r *Resolver) newRequest(orgID string, d domain.Domain) *request {
	now := r.opts.Now().UTC()
	asOf := domain.Date(now)
	return &request{
		orgID:      orgID,
		dom:        d,
		now:        now,
		asOf:       asOf,
		cycle:      r.opts.Cycle,
		cycleStart: CycleStart(asOf, r.opts.Cycle),
		precision:  r.precision(d),
		agg:        r.agg,
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (r *Resolver) resolve(ctx context.Context, req *request) (domain.ForecastResult, error) {
	fields := logrus.Fields{"organizationId": req.orgID, "domain": req.dom}

	for _, s := range r.strategies {
		res, err := s.forecast(ctx, req)
		if err == nil {
			r.metrics.Forecast(string(res.Method))
			if res.Method == domain.MethodCached {
				r.metrics.CacheHit("forecast")
			} else {
				r.remember(ctx, req, res)
			}
			return res, nil
		}

		switch {
		case ctx.Err() != nil:
			return domain.ForecastResult{}, ctx.Err()
		case errors.Is(err, domain.ErrStoreFailure):
			return r.serveStale(ctx, req, err)
		case errors.Is(err, errCacheMiss):
			r.metrics.CacheMiss("forecast")
		default:
			r.logger.WithFields(fields).WithError(err).WithField("method", s.method()).
				Warn("Forecast tier failed, falling through")
		}
	}
	return domain.ForecastResult{}, fmt.Errorf("no forecast tier succeeded for %s/%s", req.orgID, req.dom)
}

// remember keeps the newest computed forecast for stale serving
func (r *Resolver) remember(ctx context.Context, req *request, res domain.ForecastResult) {
	if ctx.Err() != nil {
		return
	}
	entry := domain.CacheEntry{
		Key:        latestKey(req.orgID, req.dom),
		Value:      res,
		ComputedAt: req.now,
		TTLSeconds: int64(r.opts.StaleTTL.Seconds()),
	}
	if err := cache.SetJSON(ctx, r.cache, entry.Key, entry, r.opts.StaleTTL); err != nil {
		r.logger.WithError(err).WithField("key", entry.Key).Warn("Forecast cache write failed")
	}
}

func (r *Resolver) serveStale(ctx context.Context, req *request, storeErr error) (domain.ForecastResult, error) {
	var entry domain.CacheEntry
	found, err := cache.GetJSON(ctx, r.cache, latestKey(req.orgID, req.dom), &entry)
	if err != nil || !found {
		return domain.ForecastResult{}, storeErr
	}

	r.logger.WithFields(logrus.Fields{
		"organizationId": req.orgID,
		"domain":         req.dom,
		"computedAt":     entry.ComputedAt,
	}).WithError(storeErr).Warn("Metric store unavailable, serving stale forecast")

	res := entry.Value
	res.Method = domain.MethodCached
	res.Stale = true
	r.metrics.Forecast("stale")
	return res, nil
}
