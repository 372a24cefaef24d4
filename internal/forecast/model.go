package forecast

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HistoricalPoint is one monthly total sent to the model service
type HistoricalPoint struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

// PredictRequest is the body of POST /predict
type PredictRequest struct {
	OrganizationID   string            `json:"organizationId"`
	Domain           string            `json:"domain"`
	StartDate        string            `json:"startDate"`
	EndDate          string            `json:"endDate"`
	HistoricalData   []HistoricalPoint `json:"historicalData"`
	MonthsToForecast int               `json:"monthsToForecast"`
}

// PredictResponse holds one forecasted value per requested month
type PredictResponse struct {
	Forecasted []float64            `json:"forecasted"`
	Confidence map[string][]float64 `json:"confidence"`
	Method     string               `json:"method"`
	Metadata   map[string]any       `json:"metadata"`
}

// ModelClient talks to the external forecasting service
type ModelClient interface {
	Predict(ctx context.Context, req PredictRequest) (PredictResponse, error)
	Health(ctx context.Context) error
}

// HTTPModelClient calls the forecasting service over HTTP
type HTTPModelClient struct {
	base string
	h    *http.Client
}

// NewHTTPModelClient creates a client for the service at base. The
// caller's context bounds every call; timeout is a backstop.
func NewHTTPModelClient(base string, timeout time.Duration) *HTTPModelClient {
	return &HTTPModelClient{
		base: strings.TrimRight(base, "/"),
		h:    &http.Client{Timeout: timeout},
	}
}

// Predict calls POST {base}/predict
func (c *HTTPModelClient) Predict(ctx context.Context, req PredictRequest) (PredictResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return PredictResponse{}, fmt.Errorf("failed to marshal predict request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/predict", bytes.NewReader(body))
	if err != nil {
		return PredictResponse{}, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.h.Do(httpReq)
	if err != nil {
		return PredictResponse{}, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return PredictResponse{}, fmt.Errorf("forecast service returned %d: %s", resp.StatusCode, string(b))
	}

	var out PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return PredictResponse{}, fmt.Errorf("failed to decode predict response: %w", err)
	}
	if len(out.Forecasted) != req.MonthsToForecast {
		return PredictResponse{}, fmt.Errorf("forecast service returned %d values, want %d",
			len(out.Forecasted), req.MonthsToForecast)
	}
	return out, nil
}

// Health calls GET {base}/health
func (c *HTTPModelClient) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.h.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("forecast service health returned %d", resp.StatusCode)
	}
	return nil
}
