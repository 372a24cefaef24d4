package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/smukkama/footprint-engine/internal/domain"
)

// MemoryMetricStore keeps records in memory, ordered by ID
type MemoryMetricStore struct {
	mu      sync.RWMutex
	records []domain.MetricRecord
	queries atomic.Int64
}

// NewMemoryMetricStore creates a store holding records
func NewMemoryMetricStore(records ...domain.MetricRecord) *MemoryMetricStore {
	s := &MemoryMetricStore{}
	s.Add(records...)
	return s
}

// Add appends records. Records without an ID get a sequential one.
func (s *MemoryMetricStore) Add(records ...domain.MetricRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if r.ID == "" {
			r.ID = fmt.Sprintf("rec-%08d", len(s.records)+1)
		}
		s.records = append(s.records, r)
	}
	sort.SliceStable(s.records, func(i, j int) bool {
		return s.records[i].ID < s.records[j].ID
	})
}

// Queries returns how many pages have been served
func (s *MemoryMetricStore) Queries() int {
	return int(s.queries.Load())
}

func (s *MemoryMetricStore) QueryMetrics(ctx context.Context, q MetricQuery) (Page, error) {
	if err := ctx.Err(); err != nil {
		return Page{}, err
	}
	s.queries.Add(1)

	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	var page Page
	for _, r := range s.records {
		if q.After != "" && r.ID <= q.After {
			continue
		}
		if r.OrganizationID != q.OrganizationID || r.Domain != q.Domain {
			continue
		}
		if q.SiteID != "" && r.SiteID != q.SiteID {
			continue
		}
		if r.PeriodStart.Before(q.Start) || !r.PeriodStart.Before(q.End) {
			continue
		}
		if len(page.Records) == limit {
			page.NextCursor = page.Records[len(page.Records)-1].ID
			break
		}
		page.Records = append(page.Records, r)
	}
	return page, nil
}

type targetKey struct {
	org    string
	domain domain.Domain
}

// MemoryTargetStore keeps targets in memory
type MemoryTargetStore struct {
	mu      sync.RWMutex
	targets map[targetKey]domain.Target
}

// NewMemoryTargetStore creates a store holding targets
func NewMemoryTargetStore(targets ...domain.Target) *MemoryTargetStore {
	s := &MemoryTargetStore{targets: make(map[targetKey]domain.Target)}
	for i := range targets {
		_ = s.SaveTarget(context.Background(), &targets[i])
	}
	return s
}

func (s *MemoryTargetStore) GetTarget(_ context.Context, orgID string, d domain.Domain) (domain.Target, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.targets[targetKey{orgID, d}]
	if !ok {
		return domain.Target{}, fmt.Errorf("target %s/%s: %w", orgID, d, domain.ErrNotFound)
	}
	t.ScopesCovered = append([]int(nil), t.ScopesCovered...)
	return t, nil
}

func (s *MemoryTargetStore) SaveTarget(_ context.Context, t *domain.Target) error {
	if err := ValidateTarget(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.Source = domain.TargetSourceExplicit
	t.UpdatedAt = time.Now().UTC()

	stored := *t
	stored.ScopesCovered = append([]int(nil), t.ScopesCovered...)

	s.mu.Lock()
	s.targets[targetKey{t.OrganizationID, t.Domain}] = stored
	s.mu.Unlock()
	return nil
}

func (s *MemoryTargetStore) DeleteTarget(_ context.Context, orgID string, d domain.Domain) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := targetKey{orgID, d}
	if _, ok := s.targets[key]; !ok {
		return fmt.Errorf("target %s/%s: %w", orgID, d, domain.ErrNotFound)
	}
	delete(s.targets, key)
	return nil
}
