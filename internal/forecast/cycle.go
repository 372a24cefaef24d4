package forecast

import (
	"time"

	"github.com/shopspring/decimal"
)

// Forecast cycles
const (
	CycleDaily  = "daily"
	CycleWeekly = "weekly"
)

// CycleStart returns the first day of the cycle containing asOf. Weekly
// cycles start on Monday but never before January 1.
func CycleStart(asOf time.Time, cycle string) time.Time {
	day := time.Date(asOf.Year(), asOf.Month(), asOf.Day(), 0, 0, 0, 0, time.UTC)
	if cycle != CycleWeekly {
		return day
	}
	offset := (int(day.Weekday()) + 6) % 7
	start := day.AddDate(0, 0, -offset)
	if jan1 := time.Date(day.Year(), time.January, 1, 0, 0, 0, 0, time.UTC); start.Before(jan1) {
		return jan1
	}
	return start
}

// NextCycleStart returns the first day of the cycle after the one
// containing asOf.
func NextCycleStart(asOf time.Time, cycle string) time.Time {
	start := CycleStart(asOf, cycle)
	var next time.Time
	if cycle == CycleWeekly {
		// a clipped first week still ends on Sunday
		offset := (int(start.Weekday()) + 6) % 7
		next = start.AddDate(0, 0, 7-offset)
	} else {
		next = start.AddDate(0, 0, 1)
	}
	if jan1 := time.Date(start.Year()+1, time.January, 1, 0, 0, 0, 0, time.UTC); next.After(jan1) {
		return jan1
	}
	return next
}

func daysIn(year int, month time.Month) int {
	return time.Date(year, month+1, 0, 0, 0, 0, 0, time.UTC).Day()
}

// MonthsElapsed counts completed months plus the elapsed fraction of the
// current month, counting asOf itself as elapsed.
func MonthsElapsed(asOf time.Time) decimal.Decimal {
	whole := decimal.NewFromInt(int64(asOf.Month() - 1))
	frac := decimal.NewFromInt(int64(asOf.Day())).
		Div(decimal.NewFromInt(int64(daysIn(asOf.Year(), asOf.Month()))))
	return whole.Add(frac)
}
