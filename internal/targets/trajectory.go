package targets

import (
	"github.com/shopspring/decimal"

	"github.com/smukkama/footprint-engine/internal/domain"
)

var hundred = decimal.NewFromInt(100)

func checkSpan(t domain.Target) error {
	switch {
	case t.TargetYear == t.BaselineYear:
		return &domain.ConfigurationError{Field: "targetYear", Reason: "must differ from baselineYear"}
	case t.TargetYear < t.BaselineYear:
		return &domain.ConfigurationError{Field: "targetYear", Reason: "must be after baselineYear"}
	}
	return nil
}

func annualRate(t domain.Target) (decimal.Decimal, error) {
	if err := checkSpan(t); err != nil {
		return decimal.Zero, err
	}
	years := decimal.NewFromInt(int64(t.TargetYear - t.BaselineYear))
	return t.TotalReductionPercent().Div(years), nil
}

// AnnualRatePercent spreads the total reduction evenly over the years
// between baseline and target.
func AnnualRatePercent(t domain.Target) (float64, error) {
	rate, err := annualRate(t)
	if err != nil {
		return 0, err
	}
	return rate.Round(6).InexactFloat64(), nil
}

// ExpectedValueForYear returns the value the linear trajectory expects in
// year. Years before the baseline expect the baseline value, years after
// the target year hold at the target value, and the result never drops
// below zero.
func ExpectedValueForYear(t domain.Target, year int) (float64, error) {
	rate, err := annualRate(t)
	if err != nil {
		return 0, err
	}
	if year <= t.BaselineYear {
		return t.BaselineValue, nil
	}
	if year >= t.TargetYear {
		return t.TargetValue, nil
	}

	elapsed := decimal.NewFromInt(int64(year - t.BaselineYear))
	factor := decimal.NewFromInt(1).Sub(rate.Div(hundred).Mul(elapsed))
	v := decimal.NewFromFloat(t.BaselineValue).Mul(factor)
	if v.IsNegative() {
		return 0, nil
	}
	return v.Round(6).InexactFloat64(), nil
}

// defaultTargetValue applies an annual linear reduction to the baseline
func defaultTargetValue(baselineValue float64, baselineYear, targetYear int, annualPercent float64) float64 {
	years := decimal.NewFromInt(int64(targetYear - baselineYear))
	reduction := decimal.NewFromFloat(annualPercent).Div(hundred).Mul(years)
	v := decimal.NewFromFloat(baselineValue).Mul(decimal.NewFromInt(1).Sub(reduction))
	if v.IsNegative() {
		return 0
	}
	return v.Round(6).InexactFloat64()
}
