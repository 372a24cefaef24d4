package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/smukkama/footprint-engine/internal/domain"
)

// DB wraps the database connection
type DB struct {
	*sql.DB
}

// Connect establishes a connection to the database
func Connect(connectionString string) (*DB, error) {
	db, err := sql.Open("postgres", connectionString)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)

	return &DB{db}, nil
}

// RunMigrations executes all SQL migration files in lexical order
func (db *DB) RunMigrations(migrationsDir string) ([]string, error) {
	files, err := os.ReadDir(migrationsDir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var sqlFiles []string
	for _, file := range files {
		if !file.IsDir() && strings.HasSuffix(file.Name(), ".sql") {
			sqlFiles = append(sqlFiles, file.Name())
		}
	}
	sort.Strings(sqlFiles)

	for _, filename := range sqlFiles {
		content, err := os.ReadFile(filepath.Join(migrationsDir, filename))
		if err != nil {
			return nil, fmt.Errorf("failed to read migration %s: %w", filename, err)
		}
		if _, err := db.Exec(string(content)); err != nil {
			return nil, fmt.Errorf("failed to execute migration %s: %w", filename, err)
		}
	}
	return sqlFiles, nil
}

// PostgresMetricStore reads metric_records joined with metric_catalog.
// Pages are keyset-paginated on the record id.
type PostgresMetricStore struct {
	db *DB
}

func NewPostgresMetricStore(db *DB) *PostgresMetricStore {
	return &PostgresMetricStore{db: db}
}

func (s *PostgresMetricStore) QueryMetrics(ctx context.Context, q MetricQuery) (Page, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}

	var after int64
	if q.After != "" {
		v, err := strconv.ParseInt(q.After, 10, 64)
		if err != nil {
			return Page{}, fmt.Errorf("%w: bad cursor %q", domain.ErrInvalidQuery, q.After)
		}
		after = v
	}

	query := `
		SELECT r.id, r.organization_id, r.domain, COALESCE(r.site_id, ''), r.metric_key,
		       c.category, COALESCE(c.scope, r.scope),
		       r.period_start, r.period_end, r.quantity, r.unit, r.co2e_kg, r.metadata
		FROM metric_records r
		LEFT JOIN metric_catalog c ON c.metric_key = r.metric_key
		WHERE r.organization_id = $1
		  AND r.domain = $2
		  AND r.period_start >= $3 AND r.period_start < $4
		  AND ($5 = '' OR r.site_id = $5)
		  AND r.id > $6
		ORDER BY r.id
		LIMIT $7
	`

	// one extra row tells us whether another page exists
	rows, err := s.db.QueryContext(ctx, query,
		q.OrganizationID, string(q.Domain), q.Start, q.End, q.SiteID, after, limit+1)
	if err != nil {
		return Page{}, fmt.Errorf("failed to query metric records: %w", err)
	}
	defer rows.Close()

	var page Page
	for rows.Next() {
		var (
			r        domain.MetricRecord
			id       int64
			dom      string
			category sql.NullString
			scope    sql.NullInt64
			metadata []byte
		)
		if err := rows.Scan(
			&id,
			&r.OrganizationID,
			&dom,
			&r.SiteID,
			&r.MetricKey,
			&category,
			&scope,
			&r.PeriodStart,
			&r.PeriodEnd,
			&r.Quantity,
			&r.Unit,
			&r.CO2eEmissions,
			&metadata,
		); err != nil {
			return Page{}, fmt.Errorf("failed to scan metric record: %w", err)
		}
		r.ID = strconv.FormatInt(id, 10)
		r.Domain = domain.Domain(dom)
		r.Category = category.String
		r.Scope = int(scope.Int64)
		if len(metadata) > 0 {
			// metadata is informational; a malformed document is not fatal
			_ = json.Unmarshal(metadata, &r.Metadata)
		}

		if len(page.Records) == limit {
			page.NextCursor = page.Records[len(page.Records)-1].ID
			break
		}
		page.Records = append(page.Records, r)
	}

	return page, rows.Err()
}

// PostgresTargetStore persists targets in the targets table
type PostgresTargetStore struct {
	db *DB
}

func NewPostgresTargetStore(db *DB) *PostgresTargetStore {
	return &PostgresTargetStore{db: db}
}

func (s *PostgresTargetStore) GetTarget(ctx context.Context, orgID string, d domain.Domain) (domain.Target, error) {
	query := `
		SELECT id, organization_id, domain, baseline_year, baseline_value,
		       target_year, target_value, scopes_covered, updated_at
		FROM targets
		WHERE organization_id = $1 AND domain = $2
	`

	var (
		t      domain.Target
		dom    string
		scopes pq.Int64Array
	)
	err := s.db.QueryRowContext(ctx, query, orgID, string(d)).Scan(
		&t.ID,
		&t.OrganizationID,
		&dom,
		&t.BaselineYear,
		&t.BaselineValue,
		&t.TargetYear,
		&t.TargetValue,
		&scopes,
		&t.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Target{}, fmt.Errorf("target %s/%s: %w", orgID, d, domain.ErrNotFound)
	}
	if err != nil {
		return domain.Target{}, fmt.Errorf("failed to get target: %w", err)
	}

	t.Domain = domain.Domain(dom)
	t.Source = domain.TargetSourceExplicit
	for _, sc := range scopes {
		t.ScopesCovered = append(t.ScopesCovered, int(sc))
	}
	return t, nil
}

// SaveTarget inserts or revises the target for the organization and domain
func (s *PostgresTargetStore) SaveTarget(ctx context.Context, t *domain.Target) error {
	if err := ValidateTarget(t); err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	t.UpdatedAt = time.Now().UTC()
	t.Source = domain.TargetSourceExplicit

	scopes := make(pq.Int64Array, 0, len(t.ScopesCovered))
	for _, sc := range t.ScopesCovered {
		scopes = append(scopes, int64(sc))
	}

	query := `
		INSERT INTO targets (
			id, organization_id, domain, baseline_year, baseline_value,
			target_year, target_value, scopes_covered, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (organization_id, domain) DO UPDATE
		SET baseline_year = EXCLUDED.baseline_year,
		    baseline_value = EXCLUDED.baseline_value,
		    target_year = EXCLUDED.target_year,
		    target_value = EXCLUDED.target_value,
		    scopes_covered = EXCLUDED.scopes_covered,
		    updated_at = EXCLUDED.updated_at
		RETURNING id
	`

	return s.db.QueryRowContext(ctx, query,
		t.ID,
		t.OrganizationID,
		string(t.Domain),
		t.BaselineYear,
		t.BaselineValue,
		t.TargetYear,
		t.TargetValue,
		scopes,
		t.UpdatedAt,
	).Scan(&t.ID)
}

func (s *PostgresTargetStore) DeleteTarget(ctx context.Context, orgID string, d domain.Domain) error {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM targets WHERE organization_id = $1 AND domain = $2`, orgID, string(d))
	if err != nil {
		return fmt.Errorf("failed to delete target: %w", err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		return fmt.Errorf("target %s/%s: %w", orgID, d, domain.ErrNotFound)
	}
	return nil
}
