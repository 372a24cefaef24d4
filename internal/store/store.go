// Package store defines the read boundary to metric records and the target
// store, with Postgres and in-memory implementations.
package store

import (
	"context"
	"time"

	"github.com/smukkama/footprint-engine/internal/domain"
)

// DefaultPageSize is used when a query does not set Limit
const DefaultPageSize = 1000

// MetricQuery selects records of one organization and domain whose period
// starts in [Start, End).
type MetricQuery struct {
	OrganizationID string
	Domain         domain.Domain
	Start          time.Time
	End            time.Time
	SiteID         string // empty matches every site
	After          string // cursor returned by the previous page
	Limit          int
}

// Page is one slice of query results. An empty NextCursor means the
// result set is exhausted.
type Page struct {
	Records    []domain.MetricRecord
	NextCursor string
}

// MetricStore gives paginated read access to immutable metric records,
// joined with their category and scope metadata.
type MetricStore interface {
	QueryMetrics(ctx context.Context, q MetricQuery) (Page, error)
}

// TargetStore persists reduction targets, one per organization and domain
type TargetStore interface {
	// GetTarget returns domain.ErrNotFound when no target is stored
	GetTarget(ctx context.Context, orgID string, d domain.Domain) (domain.Target, error)
	SaveTarget(ctx context.Context, t *domain.Target) error
	DeleteTarget(ctx context.Context, orgID string, d domain.Domain) error
}
