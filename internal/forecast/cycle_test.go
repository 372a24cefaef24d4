package forecast

import (
	"testing"
	"time"
)

func date(y int, m time.Month, d int) time.Time {
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

func TestCycleStart(t *testing.T) {
	tests := []struct {
		name  string
		asOf  time.Time
		cycle string
		want  time.Time
		next  time.Time
	}{
		{"daily", date(2025, 6, 18), CycleDaily, date(2025, 6, 18), date(2025, 6, 19)},
		{"daily year end", date(2025, 12, 31), CycleDaily, date(2025, 12, 31), date(2026, 1, 1)},
		{"weekly wednesday", date(2025, 6, 18), CycleWeekly, date(2025, 6, 16), date(2025, 6, 23)},
		{"weekly monday", date(2025, 6, 16), CycleWeekly, date(2025, 6, 16), date(2025, 6, 23)},
		{"weekly sunday", date(2025, 6, 22), CycleWeekly, date(2025, 6, 16), date(2025, 6, 23)},
		{"weekly clipped to jan 1", date(2025, 1, 2), CycleWeekly, date(2025, 1, 1), date(2025, 1, 6)},
		{"weekly clipped at year end", date(2025, 12, 30), CycleWeekly, date(2025, 12, 29), date(2026, 1, 1)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CycleStart(tt.asOf, tt.cycle); !got.Equal(tt.want) {
				t.Errorf("CycleStart = %s, want %s", got, tt.want)
			}
			if got := NextCycleStart(tt.asOf, tt.cycle); !got.Equal(tt.next) {
				t.Errorf("NextCycleStart = %s, want %s", got, tt.next)
			}
		})
	}
}

func TestMonthsElapsed(t *testing.T) {
	tests := []struct {
		asOf time.Time
		want string
	}{
		{date(2025, 6, 30), "6"},
		{date(2025, 1, 31), "1"},
		{date(2025, 12, 31), "12"},
		{date(2024, 2, 29), "2"},
	}
	for _, tt := range tests {
		if got := MonthsElapsed(tt.asOf); got.String() != tt.want {
			t.Errorf("MonthsElapsed(%s) = %s, want %s", tt.asOf.Format("2006-01-02"), got, tt.want)
		}
	}
}
