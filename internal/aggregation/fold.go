package aggregation

import (
	"fmt"
	"math"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/smukkama/footprint-engine/internal/domain"
)

// scopeSums holds base-unit sums for scopes 1..3 (index 0 unused)
type scopeSums [4]decimal.Decimal

type categoryAcc struct {
	sums  scopeSums
	count int
}

// accumulator folds records into unrounded base-unit sums. Rounding is
// applied once per scope in result().
type accumulator struct {
	dom        domain.Domain
	units      UnitSpec
	precision  int32
	totals     scopeSums
	categories map[string]*categoryAcc
	counted    int

	uncategorized    int
	uncategorizedIDs []string
	badScope         int
	badValue         int
	badUnit          map[string]int
}

func newAccumulator(dom domain.Domain, precision int32) *accumulator {
	return &accumulator{
		dom:        dom,
		units:      Units(dom),
		precision:  precision,
		categories: make(map[string]*categoryAcc),
		badUnit:    make(map[string]int),
	}
}

func (a *accumulator) add(r domain.MetricRecord) {
	if r.Scope < 1 || r.Scope > 3 {
		a.badScope++
		return
	}

	var value decimal.Decimal
	if a.units.useCO2e {
		if !finite(r.CO2eEmissions) {
			a.badValue++
			return
		}
		value = decimal.NewFromFloat(r.CO2eEmissions)
	} else {
		if !finite(r.Quantity) {
			a.badValue++
			return
		}
		v, ok := a.units.ToBase(r.Quantity, r.Unit)
		if !ok {
			a.badUnit[r.Unit]++
			return
		}
		value = v
	}

	category := strings.TrimSpace(r.Category)
	if category == "" {
		category = domain.Uncategorized
		a.uncategorized++
		if len(a.uncategorizedIDs) < 5 {
			a.uncategorizedIDs = append(a.uncategorizedIDs, r.ID)
		}
	}

	acc, ok := a.categories[category]
	if !ok {
		acc = &categoryAcc{}
		a.categories[category] = acc
	}
	acc.sums[r.Scope] = acc.sums[r.Scope].Add(value)
	acc.count++
	a.totals[r.Scope] = a.totals[r.Scope].Add(value)
	a.counted++
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// skipped is the number of records that could not be attributed
func (a *accumulator) skipped() int {
	n := a.badScope + a.badValue
	for _, c := range a.badUnit {
		n += c
	}
	return n
}

func (a *accumulator) warnings() []string {
	var out []string
	if a.uncategorized > 0 {
		out = append(out, fmt.Sprintf("%d record(s) without category metadata bucketed as %s",
			a.uncategorized, domain.Uncategorized))
	}
	if a.badScope > 0 {
		out = append(out, fmt.Sprintf("%d record(s) with invalid scope skipped", a.badScope))
	}
	if a.badValue > 0 {
		out = append(out, fmt.Sprintf("%d record(s) with non-finite value skipped", a.badValue))
	}
	if len(a.badUnit) > 0 {
		names := make([]string, 0, len(a.badUnit))
		for u := range a.badUnit {
			names = append(names, u)
		}
		sort.Strings(names)
		for _, u := range names {
			out = append(out, fmt.Sprintf("%d record(s) with unsupported unit %q skipped", a.badUnit[u], u))
		}
	}
	return out
}

func (a *accumulator) rounded(s scopeSums) (s1, s2, s3, total decimal.Decimal) {
	s1 = a.units.Report(s[1], a.precision)
	s2 = a.units.Report(s[2], a.precision)
	s3 = a.units.Report(s[3], a.precision)
	return s1, s2, s3, s1.Add(s2).Add(s3)
}

func (a *accumulator) result(period domain.Period, siteID string) domain.AggregateResult {
	res := domain.AggregateResult{
		Domain:      a.dom,
		Period:      period,
		SiteID:      siteID,
		Unit:        a.units.ReportingUnit,
		RecordCount: a.counted,
		Incomplete:  a.skipped() > 0,
		Warnings:    a.warnings(),
	}
	res.Scope1, res.Scope2, res.Scope3, res.Total = a.rounded(a.totals)

	breakdown := make([]domain.CategoryTotal, 0, len(a.categories))
	for name, acc := range a.categories {
		ct := domain.CategoryTotal{Category: name, RecordCount: acc.count}
		ct.Scope1, ct.Scope2, ct.Scope3, ct.Total = a.rounded(acc.sums)
		ct.Percentage = Percent(ct.Total, res.Total)
		breakdown = append(breakdown, ct)
	}
	sort.Slice(breakdown, func(i, j int) bool {
		if c := breakdown[i].Total.Cmp(breakdown[j].Total); c != 0 {
			return c > 0
		}
		return breakdown[i].Category < breakdown[j].Category
	})
	res.CategoryBreakdown = breakdown
	return res
}

// Percent returns part/whole*100 rounded to two decimals, or 0 when whole
// is not positive.
func Percent(part, whole decimal.Decimal) float64 {
	if !whole.IsPositive() {
		return 0
	}
	return part.Div(whole).Mul(decimal.NewFromInt(100)).Round(2).InexactFloat64()
}

// Fold computes an aggregate from records already filtered to one
// organization, domain and period.
func Fold(dom domain.Domain, period domain.Period, siteID string, precision int32, records []domain.MetricRecord) domain.AggregateResult {
	acc := newAccumulator(dom, precision)
	for _, r := range records {
		acc.add(r)
	}
	return acc.result(period, siteID)
}
