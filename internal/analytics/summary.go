package analytics

import (
	"sort"
	"time"

	"github.com/franckalain/nutrilog/internal/models"
)

// Summary holds rolling totals ending now.
type Summary struct {
	Daily   Totals `json:"daily"`
	Weekly  Totals `json:"weekly"`
	Monthly Totals `json:"monthly"`
}

// Summarize totals the logs since today's midnight, since 7 days before it
// and since 30 days before it.
func Summarize(logs []models.FoodLogEntry, now time.Time) Summary {
	today := midnight(now)
	dayStart := today.UnixMilli()
	weekStart := today.AddDate(0, 0, -7).UnixMilli()
	monthStart := today.AddDate(0, 0, -30).UnixMilli()

	var s Summary
	for _, e := range logs {
		if e.TimestampMs >= monthStart {
			s.Monthly.add(e)
		}
		if e.TimestampMs >= weekStart {
			s.Weekly.add(e)
		}
		if e.TimestampMs >= dayStart {
			s.Daily.add(e)
		}
	}
	return s
}

// DayTotals totals the logs of the calendar day of day.
func DayTotals(logs []models.FoodLogEntry, day time.Time) Totals {
	var t Totals
	for _, e := range OnDay(logs, day) {
		t.add(e)
	}
	return t
}

// OnDay returns the logs of the calendar day of day, in input order.
func OnDay(logs []models.FoodLogEntry, day time.Time) []models.FoodLogEntry {
	k := keyOf(day)
	var out []models.FoodLogEntry
	for _, e := range logs {
		if keyOf(time.UnixMilli(e.TimestampMs).In(day.Location())) == k {
			out = append(out, e)
		}
	}
	return out
}

// MarkedDates returns the sorted YYYY-MM-DD dates that have at least one log in loc.
func MarkedDates(logs []models.FoodLogEntry, loc *time.Location) []string {
	seen := make(map[string]struct{})
	for _, e := range logs {
		seen[time.UnixMilli(e.TimestampMs).In(loc).Format(models.DateLayout)] = struct{}{}
	}
	out := make([]string, 0, len(seen))
	for d := range seen {
		out = append(out, d)
	}
	sort.Strings(out)
	return out
}

// MonthWindow returns the inclusive millisecond range of the month containing t.
func MonthWindow(t time.Time) (startMs, endMs int64) {
	y, m, _ := t.Date()
	start := time.Date(y, m, 1, 0, 0, 0, 0, t.Location())
	end := start.AddDate(0, 1, 0).Add(-time.Millisecond)
	return start.UnixMilli(), end.UnixMilli()
}
