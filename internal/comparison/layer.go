// Package comparison derives year-over-year deltas, ranked sources and
// intensity metrics from aggregation core results.
package comparison

import (
	"context"
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/smukkama/footprint-engine/internal/aggregation"
	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/logging"
)

// trendDeadBand keeps rounding noise from reading as a trend
var trendDeadBand = decimal.New(1, -1)

// Layer computes derived comparisons. Every total comes from the
// aggregation core.
type Layer struct {
	agg    aggregation.Aggregator
	logger logrus.FieldLogger
}

// NewLayer creates a comparison layer
func NewLayer(agg aggregation.Aggregator, logger logrus.FieldLogger) *Layer {
	return &Layer{agg: agg, logger: logging.Module(logger, "comparison")}
}

// PreviousYear shifts a period back one year, clipping days that do not
// exist in the earlier year to the month end.
func PreviousYear(p domain.Period) domain.Period {
	return domain.Period{Start: shiftYear(p.Start, -1), End: shiftYear(p.End, -1)}
}

func shiftYear(t time.Time, years int) time.Time {
	y, m, d := t.Date()
	y += years
	if last := time.Date(y, m+1, 0, 0, 0, 0, 0, time.UTC).Day(); d > last {
		d = last
	}
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// current and previous-year aggregates, fetched concurrently
func (l *Layer) pair(ctx context.Context, orgID string, d domain.Domain, period domain.Period) (cur, prev domain.AggregateResult, err error) {
	if err := period.Validate(); err != nil {
		return cur, prev, err
	}
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		cur, err = l.agg.Aggregate(gctx, aggregation.Query{OrganizationID: orgID, Domain: d, Period: period})
		return err
	})
	g.Go(func() error {
		var err error
		prev, err = l.agg.Aggregate(gctx, aggregation.Query{OrganizationID: orgID, Domain: d, Period: PreviousYear(period)})
		return err
	})
	err = g.Wait()
	return cur, prev, err
}

// ClassifyTrend applies the ±0.1 dead band to an absolute change
func ClassifyTrend(change decimal.Decimal) domain.Trend {
	switch {
	case change.LessThan(trendDeadBand.Neg()):
		return domain.TrendDown
	case change.GreaterThan(trendDeadBand):
		return domain.TrendUp
	}
	return domain.TrendStable
}

// changePercent is 0 when there is nothing to compare against
func changePercent(cur, prev decimal.Decimal) float64 {
	if prev.IsZero() {
		return 0
	}
	return cur.Sub(prev).Div(prev.Abs()).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
}

// GetYoYComparison compares period with the same window one year earlier
func (l *Layer) GetYoYComparison(ctx context.Context, orgID string, d domain.Domain, period domain.Period) (domain.YoYComparison, error) {
	cur, prev, err := l.pair(ctx, orgID, d, period)
	if err != nil {
		return domain.YoYComparison{}, err
	}
	change := cur.Total.Sub(prev.Total)
	return domain.YoYComparison{
		Domain:         d,
		Unit:           cur.Unit,
		CurrentPeriod:  period,
		PreviousPeriod: PreviousYear(period),
		Current:        cur.Total,
		Previous:       prev.Total,
		Change:         change,
		ChangePercent:  changePercent(cur.Total, prev.Total),
		Trend:          ClassifyTrend(change),
		Incomplete:     cur.Incomplete || prev.Incomplete,
	}, nil
}

// GetTopSources ranks non-zero (category, scope) pairs by value. A limit
// of zero returns every source.
func (l *Layer) GetTopSources(ctx context.Context, orgID string, d domain.Domain, period domain.Period, limit int) ([]domain.EmissionSource, error) {
	if limit < 0 {
		return nil, fmt.Errorf("%w: limit must not be negative", domain.ErrInvalidQuery)
	}
	if err := period.Validate(); err != nil {
		return nil, err
	}
	res, err := l.agg.Aggregate(ctx, aggregation.Query{OrganizationID: orgID, Domain: d, Period: period})
	if err != nil {
		return nil, err
	}
	return RankSources(res, limit), nil
}

// RankSources flattens the category breakdown and assigns dense ranks.
// Equal values share a rank; ties are ordered by category, then scope.
func RankSources(res domain.AggregateResult, limit int) []domain.EmissionSource {
	sources := make([]domain.EmissionSource, 0, len(res.CategoryBreakdown)*3)
	for _, c := range res.CategoryBreakdown {
		for scope := 1; scope <= 3; scope++ {
			v := c.ScopeValue(scope)
			if v.IsZero() {
				continue
			}
			sources = append(sources, domain.EmissionSource{
				Category:       c.Category,
				Scope:          scope,
				Value:          v,
				Unit:           res.Unit,
				Percentage:     aggregation.Percent(v, res.Total),
				Recommendation: Recommendation(c.Category),
			})
		}
	}

	sort.Slice(sources, func(i, j int) bool {
		a, b := sources[i], sources[j]
		if c := a.Value.Cmp(b.Value); c != 0 {
			return c > 0
		}
		if a.Category != b.Category {
			return a.Category < b.Category
		}
		return a.Scope < b.Scope
	})

	rank := 0
	for i := range sources {
		if i == 0 || !sources[i].Value.Equal(sources[i-1].Value) {
			rank++
		}
		sources[i].Rank = rank
	}

	if limit > 0 && len(sources) > limit {
		sources = sources[:limit]
	}
	return sources
}

// GetIntensityMetrics normalizes the period total by the organization's
// denominators and compares each intensity with the prior year.
func (l *Layer) GetIntensityMetrics(ctx context.Context, orgID string, d domain.Domain, period domain.Period, oc domain.OrgContext) (domain.IntensityMetrics, error) {
	cur, prev, err := l.pair(ctx, orgID, d, period)
	if err != nil {
		return domain.IntensityMetrics{}, err
	}

	unit := cur.Unit
	return domain.IntensityMetrics{
		Domain:      d,
		Period:      period,
		Total:       cur.Total,
		Unit:        unit,
		PerEmployee: intensity(cur.Total, prev.Total, oc.Employees, unit+"/employee"),
		PerRevenue:  intensity(cur.Total, prev.Total, oc.Revenue, unit+"/M revenue"),
		PerArea:     intensity(cur.Total, prev.Total, oc.AreaM2, unit+"/m²"),
		Incomplete:  cur.Incomplete || prev.Incomplete,
	}, nil
}

func divide(total decimal.Decimal, denominator float64) decimal.Decimal {
	if denominator <= 0 || math.IsNaN(denominator) || math.IsInf(denominator, 0) {
		return decimal.Zero
	}
	return total.Div(decimal.NewFromFloat(denominator)).Round(4)
}

func intensity(cur, prev decimal.Decimal, denominator float64, unit string) domain.Intensity {
	c := divide(cur, denominator)
	p := divide(prev, denominator)
	return domain.Intensity{
		Value:         c.InexactFloat64(),
		Previous:      p.InexactFloat64(),
		ChangePercent: changePercent(c, p),
		Unit:          unit,
	}
}
