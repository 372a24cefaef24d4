package forecast

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"github.com/smukkama/footprint-engine/internal/aggregation"
	"github.com/smukkama/footprint-engine/internal/cache"
	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/logging"
	"github.com/smukkama/footprint-engine/internal/store"
)

// switchStore fails every query while down is set
type switchStore struct {
	store.MetricStore
	down atomic.Bool
}

func (s *switchStore) QueryMetrics(ctx context.Context, q store.MetricQuery) (store.Page, error) {
	if s.down.Load() {
		return store.Page{}, errors.New("connection reset")
	}
	return s.MetricStore.QueryMetrics(ctx, q)
}

// archiveStore fails every query reaching back before the current year
type archiveStore struct {
	store.MetricStore
}

func (s archiveStore) QueryMetrics(ctx context.Context, q store.MetricQuery) (store.Page, error) {
	if q.Start.Year() < 2025 {
		return store.Page{}, errors.New("timeout on archive partition")
	}
	return s.MetricStore.QueryMetrics(ctx, q)
}

func monthlyRecords(year int, months int, kg float64) *store.MemoryMetricStore {
	ms := store.NewMemoryMetricStore()
	for m := 1; m <= months; m++ {
		ms.Add(domain.MetricRecord{
			OrganizationID: "org-1",
			Domain:         domain.Emissions,
			Category:       "Electricity",
			Scope:          2,
			PeriodStart:    time.Date(year, time.Month(m), 1, 0, 0, 0, 0, time.UTC),
			CO2eEmissions:  kg,
		})
	}
	return ms
}

func june30() time.Time {
	return time.Date(2025, 6, 30, 9, 0, 0, 0, time.UTC)
}

func newTestResolver(ms store.MetricStore, c cache.Cache, model ModelClient, now func() time.Time) *Resolver {
	core := aggregation.NewCore(ms, nil, aggregation.DefaultOptions(), logging.Discard(), nil)
	opts := DefaultOptions()
	opts.Now = now
	opts.ModelTimeout = 100 * time.Millisecond
	opts.Breaker = BreakerConfig{MaxFailures: 2, ResetTimeout: time.Hour}
	return NewResolver(core, c, model, opts, logging.Discard(), nil)
}

func modelServer(t *testing.T, handler http.HandlerFunc) (*HTTPModelClient, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/predict" {
			calls.Add(1)
		}
		handler(w, r)
	}))
	t.Cleanup(srv.Close)
	return NewHTTPModelClient(srv.URL, time.Second), &calls
}

func TestGetProjected_Linear(t *testing.T) {
	r := newTestResolver(monthlyRecords(2025, 6, 100000), cache.NewMemory(), nil, june30)

	res, err := r.GetProjected(context.Background(), "org-1", domain.Emissions)
	if err != nil {
		t.Fatalf("GetProjected failed: %v", err)
	}
	if res.Method != domain.MethodLinear || res.Confidence != LinearConfidence {
		t.Errorf("method=%s confidence=%v", res.Method, res.Confidence)
	}
	if res.YTDActual.String() != "600" || res.ProjectedRemaining.String() != "600" || res.FullYearTotal.String() != "1200" {
		t.Errorf("ytd=%s remaining=%s full=%s", res.YTDActual, res.ProjectedRemaining, res.FullYearTotal)
	}
	if res.Unit != "tCO2e" || res.Year != 2025 {
		t.Errorf("unit=%q year=%d", res.Unit, res.Year)
	}
}

func TestGetProjected_Model(t *testing.T) {
	var seen PredictRequest
	client, calls := modelServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&seen)
		_ = json.NewEncoder(w).Encode(PredictResponse{Forecasted: []float64{150, 100, 100, 100, 100, 100, 100}})
	})
	r := newTestResolver(monthlyRecords(2025, 6, 100000), cache.NewMemory(), client, june30)

	res, err := r.GetProjected(context.Background(), "org-1", domain.Emissions)
	if err != nil {
		t.Fatalf("GetProjected failed: %v", err)
	}
	if res.Method != domain.MethodML || res.Confidence != ModelConfidence {
		t.Fatalf("method=%s confidence=%v", res.Method, res.Confidence)
	}
	// June already has 100 of the forecasted 150
	if res.ProjectedRemaining.String() != "650" || res.FullYearTotal.String() != "1250" {
		t.Errorf("remaining=%s full=%s", res.ProjectedRemaining, res.FullYearTotal)
	}
	if seen.MonthsToForecast != 7 || len(seen.HistoricalData) != 24 {
		t.Errorf("model saw months=%d history=%d", seen.MonthsToForecast, len(seen.HistoricalData))
	}
	if seen.HistoricalData[23].Date != "2025-05-01" || seen.HistoricalData[23].Value != 100 {
		t.Errorf("last history point = %+v", seen.HistoricalData[23])
	}

	cached, err := r.GetProjected(context.Background(), "org-1", domain.Emissions)
	if err != nil {
		t.Fatalf("second GetProjected failed: %v", err)
	}
	if cached.Method != domain.MethodCached || cached.Confidence != ModelConfidence {
		t.Errorf("cached method=%s confidence=%v", cached.Method, cached.Confidence)
	}
	if !cached.FullYearTotal.Equal(res.FullYearTotal) {
		t.Errorf("cached total %s != %s", cached.FullYearTotal, res.FullYearTotal)
	}
	if calls.Load() != 1 {
		t.Errorf("model called %d times, want 1", calls.Load())
	}
}

func TestGetProjected_CacheExpiresWithCycle(t *testing.T) {
	client, calls := modelServer(t, func(w http.ResponseWriter, r *http.Request) {
		var req PredictRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		out := make([]float64, req.MonthsToForecast)
		_ = json.NewEncoder(w).Encode(PredictResponse{Forecasted: out})
	})
	now := june30()
	clock := func() time.Time { return now }
	r := newTestResolver(monthlyRecords(2025, 6, 100000), cache.NewMemoryWithClock(clock), client, clock)

	if _, err := r.GetProjected(context.Background(), "org-1", domain.Emissions); err != nil {
		t.Fatal(err)
	}
	now = now.Add(24 * time.Hour)
	res, err := r.GetProjected(context.Background(), "org-1", domain.Emissions)
	if err != nil {
		t.Fatal(err)
	}
	if res.Method != domain.MethodML || calls.Load() != 2 {
		t.Errorf("new cycle should call the model again: method=%s calls=%d", res.Method, calls.Load())
	}
}

func TestGetProjected_NeverFailsOnModelFailure(t *testing.T) {
	client, calls := modelServer(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		http.Error(w, "internal error", http.StatusInternalServerError)
	})
	r := newTestResolver(monthlyRecords(2025, 6, 100000), cache.NewMemory(), client, june30)

	for i := 0; i < 5; i++ {
		res, err := r.GetProjected(context.Background(), "org-1", domain.Emissions)
		if err != nil {
			t.Fatalf("call %d failed: %v", i, err)
		}
		if res.Method != domain.MethodLinear {
			t.Errorf("call %d: method = %s", i, res.Method)
		}
	}
	if calls.Load() != 2 {
		t.Errorf("breaker should stop model calls after 2 failures, got %d", calls.Load())
	}
	if r.Breaker().State() != Open {
		t.Errorf("breaker state = %s", r.Breaker().State())
	}
}

func TestGetProjected_ModelTimeoutFallsThrough(t *testing.T) {
	client, _ := modelServer(t, func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(2 * time.Second):
		case <-r.Context().Done():
		}
	})
	r := newTestResolver(monthlyRecords(2025, 6, 100000), cache.NewMemory(), client, june30)

	start := time.Now()
	res, err := r.GetProjected(context.Background(), "org-1", domain.Emissions)
	if err != nil {
		t.Fatalf("GetProjected failed: %v", err)
	}
	if res.Method != domain.MethodLinear {
		t.Errorf("method = %s", res.Method)
	}
	if time.Since(start) > time.Second {
		t.Error("model timeout was not applied")
	}
}

func TestGetProjected_HistoryFailureFallsThroughToLinear(t *testing.T) {
	client, calls := modelServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(PredictResponse{Forecasted: []float64{150, 100, 100, 100, 100, 100, 100}})
	})
	r := newTestResolver(archiveStore{monthlyRecords(2025, 6, 100000)}, cache.NewMemory(), client, june30)

	res, err := r.GetProjected(context.Background(), "org-1", domain.Emissions)
	if err != nil {
		t.Fatalf("GetProjected failed: %v", err)
	}
	if res.Method != domain.MethodLinear || res.FullYearTotal.String() != "1200" || res.Stale {
		t.Errorf("method=%s full=%s stale=%v", res.Method, res.FullYearTotal, res.Stale)
	}
	if calls.Load() != 0 {
		t.Errorf("model called %d times without its history", calls.Load())
	}
}

func TestGetProjected_NegativeModelOutputFallsThrough(t *testing.T) {
	client, _ := modelServer(t, func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(PredictResponse{Forecasted: []float64{-5, 1, 1, 1, 1, 1, 1}})
	})
	r := newTestResolver(monthlyRecords(2025, 6, 100000), cache.NewMemory(), client, june30)

	res, err := r.GetProjected(context.Background(), "org-1", domain.Emissions)
	if err != nil {
		t.Fatalf("GetProjected failed: %v", err)
	}
	if res.Method != domain.MethodLinear {
		t.Errorf("method = %s", res.Method)
	}
}

func TestGetProjected_FullYearIsYTDPlusRemaining(t *testing.T) {
	ms := monthlyRecords(2025, 12, 123457)
	for day := 0; day < 365; day += 17 {
		now := time.Date(2025, 1, 1, 8, 0, 0, 0, time.UTC).AddDate(0, 0, day)
		r := newTestResolver(ms, cache.NewMemory(), nil, func() time.Time { return now })

		res, err := r.GetProjected(context.Background(), "org-1", domain.Emissions)
		if err != nil {
			t.Fatalf("%s: %v", now.Format("2006-01-02"), err)
		}
		if !res.YTDActual.Add(res.ProjectedRemaining).Equal(res.FullYearTotal) {
			t.Errorf("%s: %s + %s != %s", now.Format("2006-01-02"),
				res.YTDActual, res.ProjectedRemaining, res.FullYearTotal)
		}
		if res.ProjectedRemaining.LessThan(decimal.Zero) {
			t.Errorf("%s: negative remaining %s", now.Format("2006-01-02"), res.ProjectedRemaining)
		}
	}
}

func TestGetProjected_StaleOnStoreFailure(t *testing.T) {
	ss := &switchStore{MetricStore: monthlyRecords(2025, 6, 100000)}
	now := june30()
	clock := func() time.Time { return now }
	r := newTestResolver(ss, cache.NewMemoryWithClock(clock), nil, clock)

	fresh, err := r.GetProjected(context.Background(), "org-1", domain.Emissions)
	if err != nil {
		t.Fatalf("GetProjected failed: %v", err)
	}

	ss.down.Store(true)
	now = now.Add(48 * time.Hour)
	res, err := r.GetProjected(context.Background(), "org-1", domain.Emissions)
	if err != nil {
		t.Fatalf("expected stale forecast, got %v", err)
	}
	if !res.Stale || res.Method != domain.MethodCached {
		t.Errorf("stale=%v method=%s", res.Stale, res.Method)
	}
	if !res.FullYearTotal.Equal(fresh.FullYearTotal) || res.Confidence != LinearConfidence {
		t.Errorf("stale forecast differs from last computed one: %+v", res)
	}
}

func TestGetProjected_StoreFailureWithoutHistory(t *testing.T) {
	ss := &switchStore{MetricStore: store.NewMemoryMetricStore()}
	ss.down.Store(true)
	r := newTestResolver(ss, cache.NewMemory(), nil, june30)

	if _, err := r.GetProjected(context.Background(), "org-1", domain.Emissions); !errors.Is(err, domain.ErrStoreFailure) {
		t.Errorf("expected store failure, got %v", err)
	}
}

func TestGetProjected_InvalidInput(t *testing.T) {
	r := newTestResolver(store.NewMemoryMetricStore(), nil, nil, june30)

	if _, err := r.GetProjected(context.Background(), "", domain.Emissions); !errors.Is(err, domain.ErrInvalidQuery) {
		t.Errorf("missing org: %v", err)
	}
	if _, err := r.GetProjected(context.Background(), "org-1", "noise"); !errors.Is(err, domain.ErrInvalidQuery) {
		t.Errorf("bad domain: %v", err)
	}
}

func TestRemainingFromModel(t *testing.T) {
	got, err := remainingFromModel([]float64{40, 10}, decimal.NewFromInt(60))
	if err != nil {
		t.Fatal(err)
	}
	if got.String() != "10" {
		t.Errorf("month already past its forecast should contribute 0, got %s", got)
	}
	if _, err := remainingFromModel([]float64{math.NaN()}, decimal.Zero); !errors.Is(err, errInvalidOutput) {
		t.Errorf("NaN forecast should be rejected, got %v", err)
	}
	if _, err := remainingFromModel(nil, decimal.Zero); err == nil {
		t.Error("empty forecast should be rejected")
	}
}
