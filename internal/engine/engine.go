// Package engine wires the aggregation core and its consumers into the
// set of operations the service exposes.
package engine

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/smukkama/footprint-engine/internal/aggregation"
	"github.com/smukkama/footprint-engine/internal/cache"
	"github.com/smukkama/footprint-engine/internal/comparison"
	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/forecast"
	"github.com/smukkama/footprint-engine/internal/logging"
	"github.com/smukkama/footprint-engine/internal/metrics"
	"github.com/smukkama/footprint-engine/internal/store"
	"github.com/smukkama/footprint-engine/internal/targets"
)

// atRiskMargin is how far above the trajectory a projection may be
// before it counts as off track
var atRiskMargin = decimal.RequireFromString("1.10")

// Deps are the external collaborators
type Deps struct {
	Metrics store.MetricStore
	Targets store.TargetStore
	Cache   cache.Cache
	Model   forecast.ModelClient // nil disables the model tier
}

// Options groups the per-component settings
type Options struct {
	Aggregation aggregation.Options
	Targets     targets.Options
	Forecast    forecast.Options
}

// Engine is safe for concurrent use
type Engine struct {
	core       *aggregation.Core
	targets    *targets.Resolver
	forecasts  *forecast.Resolver
	comparison *comparison.Layer
	cache      cache.Cache
	logger     logrus.FieldLogger
	metrics    *metrics.Metrics
}

// New builds an engine. A nil cache falls back to an in-memory one.
func New(deps Deps, opts Options, logger logrus.FieldLogger, m *metrics.Metrics) *Engine {
	if deps.Cache == nil {
		deps.Cache = cache.NewMemory()
	}
	core := aggregation.NewCore(deps.Metrics, deps.Cache, opts.Aggregation, logger, m)
	return &Engine{
		core:       core,
		targets:    targets.NewResolver(core, deps.Targets, opts.Targets, logger),
		forecasts:  forecast.NewResolver(core, deps.Cache, deps.Model, opts.Forecast, logger, m),
		comparison: comparison.NewLayer(core, logger),
		cache:      deps.Cache,
		logger:     logging.Module(logger, "engine"),
		metrics:    m,
	}
}

// Aggregate returns rounded totals for one organization, domain and period
func (e *Engine) Aggregate(ctx context.Context, q aggregation.Query) (domain.AggregateResult, error) {
	return e.core.Aggregate(ctx, q)
}

// GetBaseline resolves and aggregates the baseline year
func (e *Engine) GetBaseline(ctx context.Context, orgID string, d domain.Domain, year *int) (targets.Baseline, error) {
	return e.targets.GetBaseline(ctx, orgID, d, year)
}

// GetTarget returns the explicit or default target
func (e *Engine) GetTarget(ctx context.Context, orgID string, d domain.Domain) (domain.Target, error) {
	return e.targets.GetTarget(ctx, orgID, d)
}

// SaveTarget validates and stores an explicit target
func (e *Engine) SaveTarget(ctx context.Context, t *domain.Target) error {
	return e.targets.SaveTarget(ctx, t)
}

// GetProjected forecasts the current year
func (e *Engine) GetProjected(ctx context.Context, orgID string, d domain.Domain) (domain.ForecastResult, error) {
	return e.forecasts.GetProjected(ctx, orgID, d)
}

// GetYoYComparison compares a window with the same window a year earlier
func (e *Engine) GetYoYComparison(ctx context.Context, orgID string, d domain.Domain, period domain.Period) (domain.YoYComparison, error) {
	return e.comparison.GetYoYComparison(ctx, orgID, d, period)
}

// GetTopSources ranks the largest (category, scope) sources
func (e *Engine) GetTopSources(ctx context.Context, orgID string, d domain.Domain, period domain.Period, limit int) ([]domain.EmissionSource, error) {
	return e.comparison.GetTopSources(ctx, orgID, d, period, limit)
}

// GetIntensityMetrics normalizes the period total by business denominators
func (e *Engine) GetIntensityMetrics(ctx context.Context, orgID string, d domain.Domain, period domain.Period, oc domain.OrgContext) (domain.IntensityMetrics, error) {
	return e.comparison.GetIntensityMetrics(ctx, orgID, d, period, oc)
}

// GetProgress compares this year's projection with the target trajectory
func (e *Engine) GetProgress(ctx context.Context, orgID string, d domain.Domain) (domain.Progress, error) {
	var (
		target domain.Target
		fc     domain.ForecastResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		target, err = e.targets.GetTarget(gctx, orgID, d)
		return err
	})
	g.Go(func() error {
		var err error
		fc, err = e.forecasts.GetProjected(gctx, orgID, d)
		return err
	})
	if err := g.Wait(); err != nil {
		return domain.Progress{}, err
	}

	rate, err := targets.AnnualRatePercent(target)
	if err != nil {
		return domain.Progress{}, err
	}
	expected, err := targets.ExpectedValueForYear(target, fc.Year)
	if err != nil {
		return domain.Progress{}, err
	}

	p := domain.Progress{
		Target:                   target,
		Year:                     fc.Year,
		ExpectedValue:            expected,
		ProjectedValue:           fc.FullYearTotal,
		ForecastMethod:           fc.Method,
		ReductionRequiredPercent: target.TotalReductionPercent().Round(2).InexactFloat64(),
		AnnualRatePercent:        rate,
		Status:                   Status(fc.FullYearTotal, expected),
	}
	if target.BaselineValue > 0 {
		base := decimal.NewFromFloat(target.BaselineValue)
		p.ReductionAchievedPercent = base.Sub(fc.FullYearTotal).Div(base).
			Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
	}
	return p, nil
}

// Status is on track at or below the expected value and at risk within
// 10% above it.
func Status(projected decimal.Decimal, expected float64) domain.ProgressStatus {
	exp := decimal.NewFromFloat(expected)
	switch {
	case projected.LessThanOrEqual(exp):
		return domain.StatusOnTrack
	case projected.LessThanOrEqual(exp.Mul(atRiskMargin)):
		return domain.StatusAtRisk
	}
	return domain.StatusOffTrack
}

// Invalidate drops cached aggregates and forecasts after new records land
func (e *Engine) Invalidate(ctx context.Context, orgID string, d domain.Domain) (int, error) {
	if orgID == "" || !d.Valid() {
		return 0, fmt.Errorf("%w: organization and domain are required", domain.ErrInvalidQuery)
	}
	n, err := cache.InvalidateOrgDomain(ctx, e.cache, orgID, string(d))
	if err != nil {
		return n, fmt.Errorf("failed to invalidate %s/%s: %w", orgID, d, err)
	}
	e.metrics.Invalidated(n)
	e.logger.WithFields(logrus.Fields{
		"organizationId": orgID,
		"domain":         d,
		"keys":           n,
	}).Debug("Cache invalidated")
	return n, nil
}

// BreakerState reports the model breaker state, closed when no model is configured
func (e *Engine) BreakerState() forecast.BreakerState {
	if b := e.forecasts.Breaker(); b != nil {
		return b.State()
	}
	return forecast.Closed
}
