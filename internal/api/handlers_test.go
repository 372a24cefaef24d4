package api

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/valyala/fasthttp"

	"github.com/smukkama/footprint-engine/internal/aggregation"
	"github.com/smukkama/footprint-engine/internal/cache"
	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/engine"
	"github.com/smukkama/footprint-engine/internal/forecast"
	"github.com/smukkama/footprint-engine/internal/logging"
	"github.com/smukkama/footprint-engine/internal/metrics"
	"github.com/smukkama/footprint-engine/internal/store"
	"github.com/smukkama/footprint-engine/internal/targets"
)

type downStore struct{}

func (downStore) QueryMetrics(context.Context, store.MetricQuery) (store.Page, error) {
	return store.Page{}, errors.New("connection refused")
}

func fixedNow() time.Time {
	return time.Date(2025, 6, 30, 10, 0, 0, 0, time.UTC)
}

func firstHalf2025() []domain.MetricRecord {
	var out []domain.MetricRecord
	for m := 1; m <= 6; m++ {
		out = append(out, domain.MetricRecord{
			OrganizationID: "org-1",
			Domain:         domain.Emissions,
			Category:       "Electricity",
			Scope:          2,
			PeriodStart:    time.Date(2025, time.Month(m), 1, 0, 0, 0, 0, time.UTC),
			CO2eEmissions:  35000,
		})
	}
	return out
}

func newTestHandler(ms store.MetricStore, ts store.TargetStore, reg *prometheus.Registry) fasthttp.RequestHandler {
	opts := engine.Options{
		Aggregation: aggregation.DefaultOptions(),
		Targets:     targets.DefaultOptions(),
		Forecast:    forecast.DefaultOptions(),
	}
	opts.Targets.Now = fixedNow
	opts.Forecast.Now = fixedNow

	var m *metrics.Metrics
	var gatherer prometheus.Gatherer
	if reg != nil {
		m = metrics.New(reg)
		gatherer = reg
	}
	e := engine.New(engine.Deps{Metrics: ms, Targets: ts, Cache: cache.NewMemory()}, opts, logging.Discard(), m)
	return NewHandler(e, Options{Gatherer: gatherer}, logging.Discard(), m)
}

func do(h fasthttp.RequestHandler, method, uri, body string) *fasthttp.RequestCtx {
	var ctx fasthttp.RequestCtx
	ctx.Request.Header.SetMethod(method)
	ctx.Request.SetRequestURI(uri)
	if body != "" {
		ctx.Request.SetBodyString(body)
	}
	h(&ctx)
	return &ctx
}

func decode(t *testing.T, ctx *fasthttp.RequestCtx, v any) {
	t.Helper()
	if err := json.Unmarshal(ctx.Response.Body(), v); err != nil {
		t.Fatalf("failed to decode %q: %v", ctx.Response.Body(), err)
	}
}

func TestAggregate(t *testing.T) {
	h := newTestHandler(store.NewMemoryMetricStore(firstHalf2025()...), store.NewMemoryTargetStore(), nil)

	ctx := do(h, "GET", "/v1/orgs/org-1/emissions/aggregate?start=2025-01-01&end=2025-06-30", "")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	var res domain.AggregateResult
	decode(t, ctx, &res)
	if res.Total.String() != "210" || res.Scope2.String() != "210" || res.Unit != "tCO2e" {
		t.Errorf("total=%s scope2=%s unit=%s", res.Total, res.Scope2, res.Unit)
	}
	if len(res.CategoryBreakdown) != 1 || res.CategoryBreakdown[0].Category != "Electricity" {
		t.Errorf("unexpected breakdown: %+v", res.CategoryBreakdown)
	}
}

func TestBadRequests(t *testing.T) {
	h := newTestHandler(store.NewMemoryMetricStore(), store.NewMemoryTargetStore(), nil)

	tests := []struct {
		name string
		uri  string
	}{
		{"unknown domain", "/v1/orgs/org-1/noise/aggregate?start=2025-01-01&end=2025-06-30"},
		{"missing start", "/v1/orgs/org-1/emissions/aggregate?end=2025-06-30"},
		{"bad date", "/v1/orgs/org-1/emissions/yoy?start=2025-13-01&end=2025-06-30"},
		{"inverted period", "/v1/orgs/org-1/emissions/yoy?start=2025-06-30&end=2025-01-01"},
		{"bad year", "/v1/orgs/org-1/emissions/baseline?year=last"},
		{"negative limit", "/v1/orgs/org-1/emissions/top-sources?start=2025-01-01&end=2025-06-30&limit=-1"},
		{"bad employees", "/v1/orgs/org-1/emissions/intensity?start=2025-01-01&end=2025-06-30&employees=many"},
		{"NaN employees", "/v1/orgs/org-1/emissions/intensity?start=2025-01-01&end=2025-06-30&employees=NaN"},
		{"infinite revenue", "/v1/orgs/org-1/emissions/intensity?start=2025-01-01&end=2025-06-30&revenue=-Inf"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := do(h, "GET", tt.uri, "")
			if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
				t.Errorf("Expected 400, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
			}
			var body errorBody
			decode(t, ctx, &body)
			if body.Error == "" || body.RequestID == "" {
				t.Errorf("Expected error and request id, got %+v", body)
			}
		})
	}
}

func TestStoreFailureIs503(t *testing.T) {
	h := newTestHandler(downStore{}, store.NewMemoryTargetStore(), nil)

	ctx := do(h, "GET", "/v1/orgs/org-1/emissions/aggregate?start=2025-01-01&end=2025-06-30", "")
	if ctx.Response.StatusCode() != fasthttp.StatusServiceUnavailable {
		t.Errorf("Expected 503, got %d", ctx.Response.StatusCode())
	}
}

func TestPutTargetThenProgress(t *testing.T) {
	h := newTestHandler(store.NewMemoryMetricStore(firstHalf2025()...), store.NewMemoryTargetStore(), nil)

	body := `{"organizationId":"someone-else","baselineYear":2022,"baselineValue":500,"targetYear":2030,"targetValue":290,"scopesCovered":[1,2,3]}`
	ctx := do(h, "PUT", "/v1/orgs/org-1/emissions/target", body)
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var saved domain.Target
	decode(t, ctx, &saved)
	if saved.OrganizationID != "org-1" || saved.Domain != domain.Emissions || saved.ID == "" {
		t.Errorf("Target not bound to route: %+v", saved)
	}

	ctx = do(h, "GET", "/v1/orgs/org-1/emissions/target", "")
	var got domain.Target
	decode(t, ctx, &got)
	if got.Source != domain.TargetSourceExplicit || got.TargetValue != 290 {
		t.Errorf("Expected explicit target, got %+v", got)
	}

	ctx = do(h, "GET", "/v1/orgs/org-1/emissions/progress", "")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var p domain.Progress
	decode(t, ctx, &p)
	if p.Status != domain.StatusOnTrack || p.ExpectedValue != 421.25 || p.ProjectedValue.String() != "420" {
		t.Errorf("status=%s expected=%v projected=%s", p.Status, p.ExpectedValue, p.ProjectedValue)
	}
}

func TestPutTargetRejectsInvertedYears(t *testing.T) {
	h := newTestHandler(store.NewMemoryMetricStore(), store.NewMemoryTargetStore(), nil)

	body := `{"baselineYear":2030,"baselineValue":500,"targetYear":2025,"targetValue":290}`
	ctx := do(h, "PUT", "/v1/orgs/org-1/emissions/target", body)
	if ctx.Response.StatusCode() != fasthttp.StatusUnprocessableEntity {
		t.Errorf("Expected 422, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}

	ctx = do(h, "PUT", "/v1/orgs/org-1/emissions/target", "{not json")
	if ctx.Response.StatusCode() != fasthttp.StatusBadRequest {
		t.Errorf("Expected 400 for malformed body, got %d", ctx.Response.StatusCode())
	}
}

func TestForecastAndInvalidate(t *testing.T) {
	h := newTestHandler(store.NewMemoryMetricStore(firstHalf2025()...), store.NewMemoryTargetStore(), nil)

	ctx := do(h, "GET", "/v1/orgs/org-1/emissions/forecast", "")
	var f domain.ForecastResult
	decode(t, ctx, &f)
	if f.Method != domain.MethodLinear || f.FullYearTotal.String() != "420" {
		t.Errorf("method=%s full=%s", f.Method, f.FullYearTotal)
	}

	ctx = do(h, "POST", "/v1/orgs/org-1/emissions/invalidate", "")
	if ctx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("Expected 200, got %d: %s", ctx.Response.StatusCode(), ctx.Response.Body())
	}
	var out map[string]int
	decode(t, ctx, &out)
	if out["invalidated"] == 0 {
		t.Errorf("Expected cached aggregates to be invalidated, got %v", out)
	}
}

func TestTopSourcesDefaultLimit(t *testing.T) {
	var records []domain.MetricRecord
	for i := 0; i < 12; i++ {
		records = append(records, domain.MetricRecord{
			OrganizationID: "org-1",
			Domain:         domain.Emissions,
			Category:       "Category " + string(rune('A'+i)),
			Scope:          3,
			PeriodStart:    time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC),
			CO2eEmissions:  float64(1000 * (i + 1)),
		})
	}
	h := newTestHandler(store.NewMemoryMetricStore(records...), store.NewMemoryTargetStore(), nil)

	ctx := do(h, "GET", "/v1/orgs/org-1/emissions/top-sources?start=2025-01-01&end=2025-06-30", "")
	var sources []domain.EmissionSource
	decode(t, ctx, &sources)
	if len(sources) != defaultTopSources {
		t.Fatalf("Expected %d sources, got %d", defaultTopSources, len(sources))
	}
	if sources[0].Category != "Category L" || sources[0].Rank != 1 {
		t.Errorf("Expected Category L first, got %+v", sources[0])
	}
}

func TestHealthRequestIDAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	h := newTestHandler(store.NewMemoryMetricStore(), store.NewMemoryTargetStore(), reg)

	var ctx fasthttp.RequestCtx
	ctx.Request.SetRequestURI("/healthz")
	ctx.Request.Header.Set("X-Request-ID", "req-42")
	h(&ctx)

	if got := string(ctx.Response.Header.Peek("X-Request-ID")); got != "req-42" {
		t.Errorf("Expected request id echoed, got %q", got)
	}
	var health map[string]string
	decode(t, &ctx, &health)
	if health["status"] != "ok" || health["breaker"] != "closed" {
		t.Errorf("unexpected health body: %v", health)
	}

	metricsCtx := do(h, "GET", "/metrics", "")
	if metricsCtx.Response.StatusCode() != fasthttp.StatusOK {
		t.Fatalf("Expected 200, got %d", metricsCtx.Response.StatusCode())
	}
	if !strings.Contains(string(metricsCtx.Response.Body()), `footprint_http_requests_total{route="/healthz",status="200"} 1`) {
		t.Errorf("Expected healthz request counted, got:\n%s", metricsCtx.Response.Body())
	}
}
