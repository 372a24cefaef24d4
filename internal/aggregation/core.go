// Package aggregation turns paged metric records into rounded per-scope
// and per-category totals for one organization, domain and period.
package aggregation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	"github.com/smukkama/footprint-engine/internal/cache"
	"github.com/smukkama/footprint-engine/internal/domain"
	"github.com/smukkama/footprint-engine/internal/logging"
	"github.com/smukkama/footprint-engine/internal/metrics"
	"github.com/smukkama/footprint-engine/internal/store"
)

// Query selects the records to aggregate. An empty SiteID aggregates
// every site of the organization.
type Query struct {
	OrganizationID string
	Domain         domain.Domain
	Period         domain.Period
	SiteID         string
}

func (q Query) validate() error {
	if q.OrganizationID == "" {
		return fmt.Errorf("%w: organization id is required", domain.ErrInvalidQuery)
	}
	if !q.Domain.Valid() {
		return fmt.Errorf("%w: unknown domain %q", domain.ErrInvalidQuery, q.Domain)
	}
	return q.Period.Validate()
}

func (q Query) cacheKey() string {
	site := q.SiteID
	if site == "" {
		site = "*"
	}
	return cache.AggregatePrefix(q.OrganizationID, string(q.Domain)) +
		cache.Key(q.Period.Start.Format(domain.DateLayout), q.Period.End.Format(domain.DateLayout), site)
}

// Aggregator is implemented by Core and consumed by the resolvers
type Aggregator interface {
	Aggregate(ctx context.Context, q Query) (domain.AggregateResult, error)
}

// Options tunes paging and caching
type Options struct {
	PageSize     int
	MaxPages     int
	FetchTimeout time.Duration
	CacheTTL     time.Duration // zero disables aggregate caching
	Precision    map[domain.Domain]int32
}

// DefaultOptions returns the settings used when none are configured
func DefaultOptions() Options {
	return Options{
		PageSize:     store.DefaultPageSize,
		MaxPages:     500,
		FetchTimeout: 30 * time.Second,
		CacheTTL:     5 * time.Minute,
	}
}

// Core computes aggregates. It is safe for concurrent use.
type Core struct {
	store   store.MetricStore
	cache   cache.Cache
	opts    Options
	logger  logrus.FieldLogger
	metrics *metrics.Metrics
	group   singleflight.Group
}

// NewCore creates an aggregation core. c may be nil to disable caching.
func NewCore(ms store.MetricStore, c cache.Cache, opts Options, logger logrus.FieldLogger, m *metrics.Metrics) *Core {
	if opts.PageSize <= 0 {
		opts.PageSize = store.DefaultPageSize
	}
	if opts.MaxPages <= 0 {
		opts.MaxPages = DefaultOptions().MaxPages
	}
	return &Core{
		store:   ms,
		cache:   c,
		opts:    opts,
		logger:  logging.Module(logger, "aggregation"),
		metrics: m,
	}
}

func (c *Core) precision(d domain.Domain) int32 {
	if p, ok := c.opts.Precision[d]; ok {
		return p
	}
	return 1
}

// Aggregate returns the totals for q. Identical concurrent queries share
// one computation; cached results are returned byte-for-byte unchanged.
func (c *Core) Aggregate(ctx context.Context, q Query) (domain.AggregateResult, error) {
	if err := q.validate(); err != nil {
		return domain.AggregateResult{}, err
	}
	key := q.cacheKey()

	if c.cache != nil && c.opts.CacheTTL > 0 {
		var cached domain.AggregateResult
		found, err := cache.GetJSON(ctx, c.cache, key, &cached)
		if err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Aggregate cache read failed")
		}
		if found {
			c.metrics.CacheHit("aggregate")
			return cached, nil
		}
		c.metrics.CacheMiss("aggregate")
	}

	ch := c.group.DoChan(key, func() (interface{}, error) {
		return c.compute(ctx, q, key)
	})
	select {
	case <-ctx.Done():
		return domain.AggregateResult{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			// the shared computation belonged to a caller that gave up
			if isContextErr(res.Err) && ctx.Err() == nil {
				return c.compute(ctx, q, key)
			}
			return domain.AggregateResult{}, res.Err
		}
		return res.Val.(domain.AggregateResult), nil
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}

func (c *Core) compute(ctx context.Context, q Query, key string) (domain.AggregateResult, error) {
	start := time.Now()

	records, err := c.fetch(ctx, q)
	if err != nil {
		return domain.AggregateResult{}, err
	}

	acc := newAccumulator(q.Domain, c.precision(q.Domain))
	for _, r := range records {
		acc.add(r)
	}
	res := acc.result(q.Period, q.SiteID)
	c.reportQuality(q, acc)
	c.metrics.ObserveAggregate(string(q.Domain), time.Since(start), len(records))

	if ctx.Err() != nil {
		return domain.AggregateResult{}, ctx.Err()
	}
	if c.cache != nil && c.opts.CacheTTL > 0 {
		if err := cache.SetJSON(ctx, c.cache, key, res, c.opts.CacheTTL); err != nil {
			c.logger.WithError(err).WithField("key", key).Warn("Aggregate cache write failed")
		}
	}
	return res, nil
}

func (c *Core) fetch(ctx context.Context, q Query) ([]domain.MetricRecord, error) {
	fetchCtx := ctx
	if c.opts.FetchTimeout > 0 {
		var cancel context.CancelFunc
		fetchCtx, cancel = context.WithTimeout(ctx, c.opts.FetchTimeout)
		defer cancel()
	}

	mq := store.MetricQuery{
		OrganizationID: q.OrganizationID,
		Domain:         q.Domain,
		Start:          q.Period.Start,
		End:            q.Period.EndExclusive(),
		SiteID:         q.SiteID,
		Limit:          c.opts.PageSize,
	}

	var records []domain.MetricRecord
	for pages := 0; ; pages++ {
		if pages == c.opts.MaxPages {
			return nil, domain.StoreError("query metrics",
				fmt.Errorf("result exceeds %d pages of %d records", c.opts.MaxPages, c.opts.PageSize))
		}
		page, err := c.store.QueryMetrics(fetchCtx, mq)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if errors.Is(err, domain.ErrInvalidQuery) {
				return nil, err
			}
			return nil, domain.StoreError("query metrics", err)
		}
		records = append(records, page.Records...)
		if page.NextCursor == "" {
			return records, nil
		}
		mq.After = page.NextCursor
	}
}

func (c *Core) reportQuality(q Query, acc *accumulator) {
	fields := logrus.Fields{
		"organizationId": q.OrganizationID,
		"domain":         q.Domain,
		"period":         q.Period.String(),
	}
	if acc.uncategorized > 0 {
		c.metrics.DataQuality(string(q.Domain), "uncategorized")
		c.logger.WithFields(fields).WithFields(logrus.Fields{
			"count":     acc.uncategorized,
			"recordIds": acc.uncategorizedIDs,
		}).Warn("Records without category metadata bucketed as uncategorized")
	}
	if n := acc.skipped(); n > 0 {
		c.metrics.DataQuality(string(q.Domain), "skipped")
		c.logger.WithFields(fields).WithField("count", n).
			Warn("Records skipped for invalid scope, value or unit, result is incomplete")
	}
}
