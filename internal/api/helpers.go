package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"

	"github.com/valyala/fasthttp"

	"github.com/smukkama/footprint-engine/internal/domain"
)

type errorBody struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}

func jsonResponse(ctx *fasthttp.RequestCtx, code int, data any) {
	body, err := json.Marshal(data)
	if err != nil {
		ctx.SetStatusCode(fasthttp.StatusInternalServerError)
		ctx.SetBodyString("failed to encode response")
		return
	}
	ctx.SetStatusCode(code)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

func errResponse(ctx *fasthttp.RequestCtx, code int, msg string) {
	id, _ := ctx.UserValue(requestIDKey).(string)
	jsonResponse(ctx, code, errorBody{Error: msg, RequestID: id})
}

// statusFor maps engine errors onto HTTP status codes
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrInvalidQuery):
		return fasthttp.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return fasthttp.StatusNotFound
	case errors.Is(err, domain.ErrConfiguration):
		return fasthttp.StatusUnprocessableEntity
	case errors.Is(err, domain.ErrStoreFailure):
		return fasthttp.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		return fasthttp.StatusGatewayTimeout
	default:
		return fasthttp.StatusInternalServerError
	}
}

// pathParams reads and validates the org and domain route parameters
func pathParams(ctx *fasthttp.RequestCtx) (string, domain.Domain, error) {
	org, _ := ctx.UserValue("org").(string)
	if org == "" {
		return "", "", fmt.Errorf("%w: organization is required", domain.ErrInvalidQuery)
	}
	raw, _ := ctx.UserValue("domain").(string)
	d, err := domain.ParseDomain(raw)
	if err != nil {
		return "", "", err
	}
	return org, d, nil
}

func parseDate(ctx *fasthttp.RequestCtx, name string) (time.Time, error) {
	raw := string(ctx.QueryArgs().Peek(name))
	if raw == "" {
		return time.Time{}, fmt.Errorf("%w: %s is required", domain.ErrInvalidQuery, name)
	}
	t, err := time.Parse(domain.DateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("%w: %s must be YYYY-MM-DD, got %q", domain.ErrInvalidQuery, name, raw)
	}
	return t, nil
}

// parsePeriod reads the required start and end query parameters
func parsePeriod(ctx *fasthttp.RequestCtx) (domain.Period, error) {
	start, err := parseDate(ctx, "start")
	if err != nil {
		return domain.Period{}, err
	}
	end, err := parseDate(ctx, "end")
	if err != nil {
		return domain.Period{}, err
	}
	p := domain.NewPeriod(start, end)
	return p, p.Validate()
}

func parseOptionalInt(ctx *fasthttp.RequestCtx, name string) (int, bool, error) {
	raw := string(ctx.QueryArgs().Peek(name))
	if raw == "" {
		return 0, false, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, false, fmt.Errorf("%w: %s must be an integer, got %q", domain.ErrInvalidQuery, name, raw)
	}
	return n, true, nil
}

func parseOptionalFloat(ctx *fasthttp.RequestCtx, name string) (float64, error) {
	raw := string(ctx.QueryArgs().Peek(name))
	if raw == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, fmt.Errorf("%w: %s must be a number, got %q", domain.ErrInvalidQuery, name, raw)
	}
	return f, nil
}
