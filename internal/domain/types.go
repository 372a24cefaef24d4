package domain

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Domain is one of the fixed metric families the engine aggregates
type Domain string

const (
	Emissions Domain = "emissions"
	Energy    Domain = "energy"
	Water     Domain = "water"
	Waste     Domain = "waste"
)

// Domains lists every supported domain in a stable order
var Domains = []Domain{Emissions, Energy, Water, Waste}

// ParseDomain converts a string to a Domain
func ParseDomain(s string) (Domain, error) {
	d := Domain(strings.ToLower(strings.TrimSpace(s)))
	if !d.Valid() {
		return "", fmt.Errorf("%w: unknown domain %q", ErrInvalidQuery, s)
	}
	return d, nil
}

// Valid reports whether d is a supported domain
func (d Domain) Valid() bool {
	switch d {
	case Emissions, Energy, Water, Waste:
		return true
	}
	return false
}

// Uncategorized is the bucket for records without category metadata
const Uncategorized = "uncategorized"

// MetricRecord is a single immutable metered value owned by ingestion
type MetricRecord struct {
	ID             string
	OrganizationID string
	Domain         Domain
	SiteID         string
	MetricKey      string
	Category       string
	Scope          int
	PeriodStart    time.Time
	PeriodEnd      time.Time
	Quantity       float64
	Unit           string
	CO2eEmissions  float64 // kg CO2e
	Metadata       map[string]any
}

// Period is an inclusive range of calendar dates
type Period struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// NewPeriod truncates both bounds to UTC calendar dates
func NewPeriod(start, end time.Time) Period {
	return Period{Start: Date(start), End: Date(end)}
}

// Validate checks that the period is not inverted
func (p Period) Validate() error {
	if p.Start.IsZero() || p.End.IsZero() {
		return fmt.Errorf("%w: period bounds are required", ErrInvalidQuery)
	}
	if p.End.Before(p.Start) {
		return fmt.Errorf("%w: period end %s is before start %s", ErrInvalidQuery,
			p.End.Format(DateLayout), p.Start.Format(DateLayout))
	}
	return nil
}

// EndExclusive returns the first instant after the last day of the period
func (p Period) EndExclusive() time.Time {
	return p.End.AddDate(0, 0, 1)
}

// String formats the period as start..end using ISO dates
func (p Period) String() string {
	return p.Start.Format(DateLayout) + ".." + p.End.Format(DateLayout)
}

// DateLayout is the ISO-8601 calendar date layout used on every surface
const DateLayout = "2006-01-02"

// Date truncates t to midnight UTC of its calendar date
func Date(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// YearPeriod returns Jan 1 through Dec 31 of year
func YearPeriod(year int) Period {
	return Period{
		Start: time.Date(year, time.January, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(year, time.December, 31, 0, 0, 0, 0, time.UTC),
	}
}

// CategoryTotal is one row of the category breakdown. Every value is
// rounded per scope; Total is the sum of the rounded scope values.
type CategoryTotal struct {
	Category    string          `json:"category"`
	Scope1      decimal.Decimal `json:"scope1"`
	Scope2      decimal.Decimal `json:"scope2"`
	Scope3      decimal.Decimal `json:"scope3"`
	Total       decimal.Decimal `json:"total"`
	Percentage  float64         `json:"percentage"`
	RecordCount int             `json:"recordCount"`
}

// ScopeValue returns the rounded value for scope 1, 2 or 3
func (c CategoryTotal) ScopeValue(scope int) decimal.Decimal {
	switch scope {
	case 1:
		return c.Scope1
	case 2:
		return c.Scope2
	case 3:
		return c.Scope3
	}
	return decimal.Zero
}

// AggregateResult is derived from metric records and never persisted as a
// source of truth.
type AggregateResult struct {
	Domain            Domain          `json:"domain"`
	Period            Period          `json:"period"`
	SiteID            string          `json:"siteId,omitempty"`
	Scope1            decimal.Decimal `json:"scope1"`
	Scope2            decimal.Decimal `json:"scope2"`
	Scope3            decimal.Decimal `json:"scope3"`
	Total             decimal.Decimal `json:"total"`
	CategoryBreakdown []CategoryTotal `json:"categoryBreakdown"`
	Unit              string          `json:"unit"`
	RecordCount       int             `json:"recordCount"`
	Incomplete        bool            `json:"incomplete"`
	Warnings          []string        `json:"warnings,omitempty"`
}

// Target is an organization's reduction commitment for one domain
type Target struct {
	ID             string    `json:"id,omitempty"`
	OrganizationID string    `json:"organizationId" validate:"required"`
	Domain         Domain    `json:"domain" validate:"required"`
	BaselineYear   int       `json:"baselineYear" validate:"required,gte=1990"`
	BaselineValue  float64   `json:"baselineValue" validate:"gte=0"`
	TargetYear     int       `json:"targetYear" validate:"required,gtfield=BaselineYear"`
	TargetValue    float64   `json:"targetValue" validate:"gte=0"`
	ScopesCovered  []int     `json:"scopesCovered" validate:"dive,min=1,max=3"`
	Source         string    `json:"source"`
	UpdatedAt      time.Time `json:"updatedAt,omitempty"`
}

const (
	TargetSourceExplicit = "explicit"
	TargetSourceDefault  = "default"
)

// TotalReductionPercent is the reduction over the whole baseline to target
// span. It is computed in decimal so 500 -> 290 yields exactly 42.
func (t Target) TotalReductionPercent() decimal.Decimal {
	if t.BaselineValue == 0 {
		return decimal.Zero
	}
	base := decimal.NewFromFloat(t.BaselineValue)
	return base.Sub(decimal.NewFromFloat(t.TargetValue)).Div(base).Mul(decimal.NewFromInt(100))
}

// ForecastMethod names the tier that produced a forecast
type ForecastMethod string

const (
	MethodCached ForecastMethod = "cached"
	MethodML     ForecastMethod = "ml"
	MethodLinear ForecastMethod = "linear"
)

// ForecastResult is a year-end projection for the in-progress year
type ForecastResult struct {
	Domain             Domain          `json:"domain"`
	Year               int             `json:"year"`
	AsOf               time.Time       `json:"asOf"`
	Unit               string          `json:"unit"`
	YTDActual          decimal.Decimal `json:"ytdActual"`
	ProjectedRemaining decimal.Decimal `json:"projectedRemaining"`
	FullYearTotal      decimal.Decimal `json:"fullYearTotal"`
	Method             ForecastMethod  `json:"method"`
	Confidence         float64         `json:"confidence"`
	Stale              bool            `json:"stale,omitempty"`
}

// CacheEntry is the envelope stored for cached forecasts
type CacheEntry struct {
	Key        string         `json:"key"`
	Value      ForecastResult `json:"value"`
	ComputedAt time.Time      `json:"computedAt"`
	TTLSeconds int64          `json:"ttlSeconds"`
}

// Trend classifies a year-over-year change
type Trend string

const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// YoYComparison compares a window against the same window one year earlier
type YoYComparison struct {
	Domain         Domain          `json:"domain"`
	Unit           string          `json:"unit"`
	CurrentPeriod  Period          `json:"currentPeriod"`
	PreviousPeriod Period          `json:"previousPeriod"`
	Current        decimal.Decimal `json:"current"`
	Previous       decimal.Decimal `json:"previous"`
	Change         decimal.Decimal `json:"change"`
	ChangePercent  float64         `json:"changePercent"`
	Trend          Trend           `json:"trend"`
	Incomplete     bool            `json:"incomplete"`
}

// EmissionSource is one ranked (category, scope) pair
type EmissionSource struct {
	Rank           int             `json:"rank"`
	Category       string          `json:"category"`
	Scope          int             `json:"scope"`
	Value          decimal.Decimal `json:"value"`
	Unit           string          `json:"unit"`
	Percentage     float64         `json:"percentage"`
	Recommendation string          `json:"recommendation"`
}

// OrgContext carries the business denominators used for intensity metrics.
// Revenue is expressed in millions of the reporting currency.
type OrgContext struct {
	Employees float64 `json:"employees"`
	Revenue   float64 `json:"revenue"`
	AreaM2    float64 `json:"areaM2"`
}

// Intensity is one normalized metric with its year-over-year change
type Intensity struct {
	Value         float64 `json:"value"`
	Previous      float64 `json:"previous"`
	ChangePercent float64 `json:"changePercent"`
	Unit          string  `json:"unit"`
}

// IntensityMetrics normalizes a period total by business denominators
type IntensityMetrics struct {
	Domain      Domain          `json:"domain"`
	Period      Period          `json:"period"`
	Total       decimal.Decimal `json:"total"`
	Unit        string          `json:"unit"`
	PerEmployee Intensity       `json:"perEmployee"`
	PerRevenue  Intensity       `json:"perRevenue"`
	PerArea     Intensity       `json:"perArea"`
	Incomplete  bool            `json:"incomplete"`
}

// ProgressStatus classifies the projection against the expected trajectory
type ProgressStatus string

const (
	StatusOnTrack  ProgressStatus = "on_track"
	StatusAtRisk   ProgressStatus = "at_risk"
	StatusOffTrack ProgressStatus = "off_track"
)

// Progress summarizes how the current year tracks against the target
type Progress struct {
	Target                   Target          `json:"target"`
	Year                     int             `json:"year"`
	ExpectedValue            float64         `json:"expectedValue"`
	ProjectedValue           decimal.Decimal `json:"projectedValue"`
	ForecastMethod           ForecastMethod  `json:"forecastMethod"`
	ReductionAchievedPercent float64         `json:"reductionAchievedPercent"`
	ReductionRequiredPercent float64         `json:"reductionRequiredPercent"`
	AnnualRatePercent        float64         `json:"annualRatePercent"`
	Status                   ProgressStatus  `json:"status"`
}
