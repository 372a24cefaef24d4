package forecast

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestHTTPModelClient_Predict(t *testing.T) {
	var got PredictRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/predict" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_ = json.NewEncoder(w).Encode(PredictResponse{
			Forecasted: []float64{10, 20},
			Confidence: map[string][]float64{"lower": {8, 15}, "upper": {12, 25}},
			Method:     "prophet",
		})
	}))
	defer srv.Close()

	c := NewHTTPModelClient(srv.URL+"/", time.Second)
	resp, err := c.Predict(context.Background(), PredictRequest{
		OrganizationID:   "org-1",
		Domain:           "energy",
		StartDate:        "2025-01-01",
		EndDate:          "2025-11-15",
		MonthsToForecast: 2,
	})
	if err != nil {
		t.Fatalf("Predict failed: %v", err)
	}
	if len(resp.Forecasted) != 2 || resp.Forecasted[1] != 20 {
		t.Errorf("unexpected response %+v", resp)
	}
	if got.OrganizationID != "org-1" || got.MonthsToForecast != 2 || got.EndDate != "2025-11-15" {
		t.Errorf("server saw %+v", got)
	}
}

func TestHTTPModelClient_Errors(t *testing.T) {
	tests := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "need at least 12 months", http.StatusBadRequest)
		},
		"wrong length": func(w http.ResponseWriter, r *http.Request) {
			_ = json.NewEncoder(w).Encode(PredictResponse{Forecasted: []float64{1}})
		},
		"bad json": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte("{"))
		},
	}
	for name, h := range tests {
		t.Run(name, func(t *testing.T) {
			srv := httptest.NewServer(h)
			defer srv.Close()

			c := NewHTTPModelClient(srv.URL, time.Second)
			if _, err := c.Predict(context.Background(), PredictRequest{MonthsToForecast: 3}); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestHTTPModelClient_Timeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-time.After(time.Second):
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()

	c := NewHTTPModelClient(srv.URL, 5*time.Second)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	start := time.Now()
	if _, err := c.Predict(ctx, PredictRequest{MonthsToForecast: 1}); err == nil {
		t.Fatal("expected timeout")
	}
	if time.Since(start) > 500*time.Millisecond {
		t.Error("context deadline was not honored")
	}
}

func TestHTTPModelClient_Health(t *testing.T) {
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/health" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		w.WriteHeader(status)
	}))
	defer srv.Close()

	c := NewHTTPModelClient(srv.URL, time.Second)
	if err := c.Health(context.Background()); err != nil {
		t.Errorf("healthy service reported %v", err)
	}
	status = http.StatusServiceUnavailable
	if err := c.Health(context.Background()); err == nil {
		t.Error("expected unhealthy")
	}
}
