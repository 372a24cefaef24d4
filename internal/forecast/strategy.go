package forecast

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"

	"github.com/smukkama/footprint-engine/internal/aggregation"
	"github.com/smukkama/footprint-engine/internal/cache"
	"github.com/smukkama/footprint-engine/internal/domain"
)

// Confidence reported by the computing tiers
const (
	ModelConfidence  = 0.85
	LinearConfidence = 0.65
)

var (
	errCacheMiss     = errors.New("no forecast cached for the current cycle")
	errInvalidOutput = errors.New("forecast service returned a negative projection")
	errModelInputs   = errors.New("failed to load forecast model inputs")
)

// request is the state shared by the tiers of one resolution
type request struct {
	orgID      string
	dom        domain.Domain
	now        time.Time
	asOf       time.Time
	cycleStart time.Time
	cycle      string
	precision  int32
	agg        aggregation.Aggregator

	ytdOnce sync.Once
	ytd     domain.AggregateResult
	ytdErr  error
}

func (r *request) year() int {
	return r.asOf.Year()
}

func (r *request) cycleKey() string {
	return cache.ForecastPrefix(r.orgID, string(r.dom)) + r.cycleStart.Format(domain.DateLayout)
}

func (r *request) aggregate(ctx context.Context, start, end time.Time) (domain.AggregateResult, error) {
	return r.agg.Aggregate(ctx, aggregation.Query{
		OrganizationID: r.orgID,
		Domain:         r.dom,
		Period:         domain.NewPeriod(start, end),
	})
}

// YTD aggregates January 1 through asOf once per request
func (r *request) YTD(ctx context.Context) (domain.AggregateResult, error) {
	r.ytdOnce.Do(func() {
		jan1 := time.Date(r.year(), time.January, 1, 0, 0, 0, 0, time.UTC)
		r.ytd, r.ytdErr = r.aggregate(ctx, jan1, r.asOf)
	})
	return r.ytd, r.ytdErr
}

func (r *request) result(ytd domain.AggregateResult, remaining decimal.Decimal, method domain.ForecastMethod, confidence float64) domain.ForecastResult {
	return domain.ForecastResult{
		Domain:             r.dom,
		Year:               r.year(),
		AsOf:               r.asOf,
		Unit:               ytd.Unit,
		YTDActual:          ytd.Total,
		ProjectedRemaining: remaining,
		FullYearTotal:      ytd.Total.Add(remaining),
		Method:             method,
		Confidence:         confidence,
	}
}

type strategy interface {
	method() domain.ForecastMethod
	forecast(ctx context.Context, req *request) (domain.ForecastResult, error)
}

// cacheTier serves a forecast computed earlier in the same cycle
type cacheTier struct {
	cache cache.Cache
}

func (t cacheTier) method() domain.ForecastMethod { return domain.MethodCached }

func (t cacheTier) forecast(ctx context.Context, req *request) (domain.ForecastResult, error) {
	var entry domain.CacheEntry
	found, err := cache.GetJSON(ctx, t.cache, req.cycleKey(), &entry)
	if err != nil {
		return domain.ForecastResult{}, fmt.Errorf("%w: %w", errCacheMiss, err)
	}
	if !found || entry.ComputedAt.Before(req.cycleStart) || entry.Value.Year != req.year() {
		return domain.ForecastResult{}, errCacheMiss
	}
	res := entry.Value
	res.Method = domain.MethodCached
	return res, nil
}

// modelTier asks the external forecasting service for the remaining months
type modelTier struct {
	client        ModelClient
	breaker       *Breaker
	timeout       time.Duration
	historyMonths int
	cache         cache.Cache
	logger        logrus.FieldLogger
	onError       func()
}

func (t *modelTier) method() domain.ForecastMethod { return domain.MethodML }

func (t *modelTier) forecast(ctx context.Context, req *request) (domain.ForecastResult, error) {
	ytd, err := req.YTD(ctx)
	if err != nil {
		return domain.ForecastResult{}, err
	}
	// history is a model input; losing it costs the model tier, not the forecast
	inputCtx, cancel := context.WithTimeout(ctx, t.timeout)
	history, mtd, err := t.inputs(inputCtx, req)
	cancel()
	if err != nil {
		return domain.ForecastResult{}, fmt.Errorf("%w: %v", errModelInputs, err)
	}

	monthsLeft := int(time.December-req.asOf.Month()) + 1
	predict := PredictRequest{
		OrganizationID:   req.orgID,
		Domain:           string(req.dom),
		StartDate:        time.Date(req.year(), time.January, 1, 0, 0, 0, 0, time.UTC).Format(domain.DateLayout),
		EndDate:          req.asOf.Format(domain.DateLayout),
		HistoricalData:   history,
		MonthsToForecast: monthsLeft,
	}

	var resp PredictResponse
	err = t.breaker.Execute(ctx, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, t.timeout)
		defer cancel()
		var err error
		resp, err = t.client.Predict(callCtx, predict)
		return err
	})
	if err != nil {
		t.onError()
		return domain.ForecastResult{}, err
	}

	remaining, err := remainingFromModel(resp.Forecasted, mtd)
	if err != nil {
		t.onError()
		return domain.ForecastResult{}, err
	}
	res := req.result(ytd, remaining.Round(req.precision), domain.MethodML, ModelConfidence)

	if ctx.Err() == nil {
		entry := domain.CacheEntry{
			Key:        req.cycleKey(),
			Value:      res,
			ComputedAt: req.now,
			TTLSeconds: int64(NextCycleStart(req.asOf, req.cycle).Sub(req.now).Seconds()),
		}
		if err := cache.SetJSON(ctx, t.cache, entry.Key, entry, time.Duration(entry.TTLSeconds)*time.Second); err != nil {
			t.logger.WithError(err).WithField("key", entry.Key).Warn("Forecast cache write failed")
		}
	}
	return res, nil
}

// inputs loads monthly history up to the last complete month and the
// current month to date.
func (t *modelTier) inputs(ctx context.Context, req *request) ([]HistoricalPoint, decimal.Decimal, error) {
	monthStart := time.Date(req.asOf.Year(), req.asOf.Month(), 1, 0, 0, 0, 0, time.UTC)
	history := make([]HistoricalPoint, t.historyMonths)
	var mtd decimal.Decimal

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i := range history {
		i := i
		start := monthStart.AddDate(0, i-t.historyMonths, 0)
		g.Go(func() error {
			res, err := req.aggregate(gctx, start, start.AddDate(0, 1, -1))
			if err != nil {
				return err
			}
			history[i] = HistoricalPoint{Date: start.Format(domain.DateLayout), Value: res.Total.InexactFloat64()}
			return nil
		})
	}
	g.Go(func() error {
		res, err := req.aggregate(gctx, monthStart, req.asOf)
		if err != nil {
			return err
		}
		mtd = res.Total
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, decimal.Zero, err
	}
	return history, mtd, nil
}

// remainingFromModel takes forecasts for the current month through
// December and subtracts what the current month has already recorded.
func remainingFromModel(forecasted []float64, monthToDate decimal.Decimal) (decimal.Decimal, error) {
	if len(forecasted) == 0 {
		return decimal.Zero, errInvalidOutput
	}
	remaining := decimal.Zero
	for i, v := range forecasted {
		if v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return decimal.Zero, errInvalidOutput
		}
		f := decimal.NewFromFloat(v)
		if i == 0 {
			f = decimal.Max(f.Sub(monthToDate), decimal.Zero)
		}
		remaining = remaining.Add(f)
	}
	return remaining, nil
}

// linearTier extrapolates the year-to-date monthly average
type linearTier struct{}

func (linearTier) method() domain.ForecastMethod { return domain.MethodLinear }

func (linearTier) forecast(ctx context.Context, req *request) (domain.ForecastResult, error) {
	ytd, err := req.YTD(ctx)
	if err != nil {
		return domain.ForecastResult{}, err
	}
	return req.result(ytd, linearRemaining(ytd.Total, req.asOf, req.precision), domain.MethodLinear, LinearConfidence), nil
}

func linearRemaining(ytd decimal.Decimal, asOf time.Time, precision int32) decimal.Decimal {
	elapsed := MonthsElapsed(asOf)
	left := decimal.NewFromInt(12).Sub(elapsed)
	if !elapsed.IsPositive() || !left.IsPositive() {
		return decimal.Zero.Round(precision)
	}
	return ytd.Div(elapsed).Mul(left).Round(precision)
}
