// Package targets resolves baselines and reduction targets and evaluates
// the annualized trajectory between them.
package targets

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/smukkama/footprint-engine/internal/aggregation"
	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/logging"
	"github.com/smukkama/footprint-engine/internal/store"
)

// Baseline sources
const (
	BaselineRequested    = "requested"
	BaselineFromTarget   = "target"
	BaselineEarliestData = "earliest_data"
	BaselineFallback     = "previous_year"
)

// Baseline is the aggregate of the year targets are measured against
type Baseline struct {
	Year      int                    `json:"year"`
	Source    string                 `json:"source"`
	Aggregate domain.AggregateResult `json:"aggregate"`
}

// Options configures default target synthesis
type Options struct {
	DefaultTargetYear             int
	DefaultAnnualReductionPercent float64
	LookbackYears                 int
	Now                           func() time.Time
}

// DefaultOptions follows the 1.5C cross-sector linear pathway
func DefaultOptions() Options {
	return Options{
		DefaultTargetYear:             2030,
		DefaultAnnualReductionPercent: 4.2,
		LookbackYears:                 5,
		Now:                           time.Now,
	}
}

// Resolver reads targets from the target store and baselines through the
// aggregation core.
type Resolver struct {
	agg     aggregation.Aggregator
	targets store.TargetStore
	opts    Options
	logger  logrus.FieldLogger
}

// NewResolver creates a resolver
func NewResolver(agg aggregation.Aggregator, ts store.TargetStore, opts Options, logger logrus.FieldLogger) *Resolver {
	def := DefaultOptions()
	if opts.DefaultTargetYear == 0 {
		opts.DefaultTargetYear = def.DefaultTargetYear
	}
	if opts.DefaultAnnualReductionPercent == 0 {
		opts.DefaultAnnualReductionPercent = def.DefaultAnnualReductionPercent
	}
	if opts.LookbackYears <= 0 {
		opts.LookbackYears = def.LookbackYears
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Resolver{
		agg:     agg,
		targets: ts,
		opts:    opts,
		logger:  logging.Module(logger, "targets"),
	}
}

func (r *Resolver) currentYear() int {
	return r.opts.Now().UTC().Year()
}

// GetBaseline aggregates the baseline year. A nil year resolves the
// baseline from the stored target, then from the earliest year with data.
func (r *Resolver) GetBaseline(ctx context.Context, orgID string, d domain.Domain, year *int) (Baseline, error) {
	var (
		y      int
		source string
	)
	if year != nil {
		if *year < 1990 || *year > r.currentYear() {
			return Baseline{}, fmt.Errorf("%w: baseline year %d out of range", domain.ErrInvalidQuery, *year)
		}
		y, source = *year, BaselineRequested
	} else {
		var err error
		y, source, err = r.resolveBaselineYear(ctx, orgID, d)
		if err != nil {
			return Baseline{}, err
		}
	}

	res, err := r.agg.Aggregate(ctx, aggregation.Query{
		OrganizationID: orgID,
		Domain:         d,
		Period:         domain.YearPeriod(y),
	})
	if err != nil {
		return Baseline{}, err
	}
	return Baseline{Year: y, Source: source, Aggregate: res}, nil
}

func (r *Resolver) resolveBaselineYear(ctx context.Context, orgID string, d domain.Domain) (int, string, error) {
	t, err := r.targets.GetTarget(ctx, orgID, d)
	switch {
	case err == nil:
		return t.BaselineYear, BaselineFromTarget, nil
	case !errors.Is(err, domain.ErrNotFound):
		return 0, "", domain.StoreError("get target", err)
	}

	current := r.currentYear()
	first := current - r.opts.LookbackYears
	counts := make([]int, r.opts.LookbackYears)

	g, gctx := errgroup.WithContext(ctx)
	for i := range counts {
		i := i
		g.Go(func() error {
			res, err := r.agg.Aggregate(gctx, aggregation.Query{
				OrganizationID: orgID,
				Domain:         d,
				Period:         domain.YearPeriod(first + i),
			})
			if err != nil {
				return err
			}
			counts[i] = res.RecordCount
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, "", err
	}

	for i, n := range counts {
		if n > 0 {
			return first + i, BaselineEarliestData, nil
		}
	}
	return current - 1, BaselineFallback, nil
}

// GetTarget returns the stored target, or a synthesized default when the
// organization has not configured one.
func (r *Resolver) GetTarget(ctx context.Context, orgID string, d domain.Domain) (domain.Target, error) {
	if !d.Valid() {
		return domain.Target{}, fmt.Errorf("%w: unknown domain %q", domain.ErrInvalidQuery, d)
	}

	t, err := r.targets.GetTarget(ctx, orgID, d)
	switch {
	case err == nil:
		if err := checkSpan(t); err != nil {
			return domain.Target{}, err
		}
		t.Source = domain.TargetSourceExplicit
		return t, nil
	case !errors.Is(err, domain.ErrNotFound):
		return domain.Target{}, domain.StoreError("get target", err)
	}

	baseline, err := r.GetBaseline(ctx, orgID, d, nil)
	if err != nil {
		return domain.Target{}, err
	}
	return r.defaultTarget(orgID, d, baseline), nil
}

func (r *Resolver) defaultTarget(orgID string, d domain.Domain, b Baseline) domain.Target {
	targetYear := r.opts.DefaultTargetYear
	if targetYear <= b.Year {
		targetYear = b.Year + 5
	}
	baselineValue := b.Aggregate.Total.InexactFloat64()

	r.logger.WithFields(logrus.Fields{
		"organizationId": orgID,
		"domain":         d,
		"baselineYear":   b.Year,
		"targetYear":     targetYear,
	}).Debug("No explicit target, using default trajectory")

	return domain.Target{
		OrganizationID: orgID,
		Domain:         d,
		BaselineYear:   b.Year,
		BaselineValue:  baselineValue,
		TargetYear:     targetYear,
		TargetValue: defaultTargetValue(baselineValue, b.Year, targetYear,
			r.opts.DefaultAnnualReductionPercent),
		ScopesCovered: []int{1, 2, 3},
		Source:        domain.TargetSourceDefault,
	}
}

// SaveTarget validates and stores an explicit target
func (r *Resolver) SaveTarget(ctx context.Context, t *domain.Target) error {
	if err := store.ValidateTarget(t); err != nil {
		return err
	}
	if err := r.targets.SaveTarget(ctx, t); err != nil {
		if errors.Is(err, domain.ErrConfiguration) {
			return err
		}
		return domain.StoreError("save target", err)
	}
	r.logger.WithFields(logrus.Fields{
		"organizationId": t.OrganizationID,
		"domain":         t.Domain,
		"targetId":       t.ID,
	}).Info("Target saved")
	return nil
}
