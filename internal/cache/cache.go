// Package cache provides the TTL key-value store shared by the forecast
// resolver and the aggregation core.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Cache is a TTL key-value store. Implementations must allow concurrent
// readers; a Set overwrites any previous value (last writer wins).
type Cache interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	InvalidatePrefix(ctx context.Context, prefix string) (int, error)
}

// GetJSON reads key and decodes it into dest
func GetJSON(ctx context.Context, c Cache, key string, dest any) (bool, error) {
	data, ok, err := c.Get(ctx, key)
	if err != nil || !ok {
		return false, err
	}
	if err := json.Unmarshal(data, dest); err != nil {
		return false, fmt.Errorf("failed to unmarshal cached %s: %w", key, err)
	}
	return true, nil
}

// SetJSON encodes value and stores it under key
func SetJSON(ctx context.Context, c Cache, key string, value any, ttl time.Duration) error {
	data, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	return c.Set(ctx, key, data, ttl)
}

// Key joins parts with ':' the way every engine key is built
func Key(parts ...string) string {
	return strings.Join(parts, ":")
}

// AggregatePrefix covers every cached aggregate for an org and domain
func AggregatePrefix(orgID, domain string) string {
	return Key("agg", orgID, domain) + ":"
}

// ForecastPrefix covers every cached forecast for an org and domain
func ForecastPrefix(orgID, domain string) string {
	return Key("forecast", orgID, domain) + ":"
}

// InvalidateOrgDomain drops aggregates and forecasts for an org and domain.
// Ingestion calls this whenever new records land.
func InvalidateOrgDomain(ctx context.Context, c Cache, orgID, domain string) (int, error) {
	total := 0
	for _, prefix := range []string{AggregatePrefix(orgID, domain), ForecastPrefix(orgID, domain)} {
		n, err := c.InvalidatePrefix(ctx, prefix)
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
