package aggregation

import (
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"github.com/smukkama/footprint-engine/internal/domain"
)

// UnitSpec describes how raw values of a domain are summed and reported.
// Values are summed in BaseUnit and converted once per scope to
// ReportingUnit before rounding.
type UnitSpec struct {
	BaseUnit        string
	ReportingUnit   string
	baseToReporting decimal.Decimal
	toBase          map[string]decimal.Decimal
	// emissions are read from the record's CO2e column, always in kg
	useCO2e bool
}

// ToBase converts a quantity expressed in unit to the base unit
func (u UnitSpec) ToBase(quantity float64, unit string) (decimal.Decimal, bool) {
	factor, ok := u.toBase[normalizeUnit(unit)]
	if !ok || math.IsNaN(quantity) || math.IsInf(quantity, 0) {
		return decimal.Zero, false
	}
	return decimal.NewFromFloat(quantity).Mul(factor), true
}

// Report converts a base-unit sum to the reporting unit and rounds it
func (u UnitSpec) Report(base decimal.Decimal, precision int32) decimal.Decimal {
	return base.Mul(u.baseToReporting).Round(precision)
}

func normalizeUnit(unit string) string {
	u := strings.ToLower(strings.TrimSpace(unit))
	u = strings.ReplaceAll(u, "³", "3")
	return strings.ReplaceAll(u, " ", "")
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

var units = map[domain.Domain]UnitSpec{
	domain.Emissions: {
		BaseUnit:        "kgCO2e",
		ReportingUnit:   "tCO2e",
		baseToReporting: d("0.001"),
		useCO2e:         true,
	},
	domain.Energy: {
		BaseUnit:        "kWh",
		ReportingUnit:   "MWh",
		baseToReporting: d("0.001"),
		toBase: map[string]decimal.Decimal{
			"wh":  d("0.001"),
			"kwh": d("1"),
			"mwh": d("1000"),
			"gwh": d("1000000"),
			"mj":  d("0.2777777777777778"),
			"gj":  d("277.7777777777777778"),
		},
	},
	domain.Water: {
		BaseUnit:        "L",
		ReportingUnit:   "m³",
		baseToReporting: d("0.001"),
		toBase: map[string]decimal.Decimal{
			"l":     d("1"),
			"liter": d("1"),
			"litre": d("1"),
			"m3":    d("1000"),
			"gal":   d("3.785411784"),
			"kgal":  d("3785.411784"),
		},
	},
	domain.Waste: {
		BaseUnit:        "kg",
		ReportingUnit:   "kg",
		baseToReporting: d("1"),
		toBase: map[string]decimal.Decimal{
			"g":      d("0.001"),
			"kg":     d("1"),
			"t":      d("1000"),
			"tonne":  d("1000"),
			"tonnes": d("1000"),
			"lb":     d("0.45359237"),
			"lbs":    d("0.45359237"),
		},
	},
}

// Units returns the unit spec for a domain
func Units(dom domain.Domain) UnitSpec {
	return units[dom]
}

// ReportingUnit returns the unit every result of the domain is expressed in
func ReportingUnit(dom domain.Domain) string {
	return units[dom].ReportingUnit
}
