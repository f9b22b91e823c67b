// Package analytics turns food logs into chart series and summaries. Every
// function is pure: the clock is passed in and days are calendar days in the
// location of that clock.
package analytics

import (
	"time"

	"github.com/franckalain/nutrilog/internal/models"
)

// Totals sums the energy and macros of a set of entries.
type Totals struct {
	Calories float64 `json:"calories"`
	Protein  float64 `json:"protein"`
	Carbs    float64 `json:"carbs"`
	Fat      float64 `json:"fat"`
}

func (t *Totals) add(e models.FoodLogEntry) {
	t.Calories += e.Calories
	t.Protein += e.Macros.Protein
	t.Carbs += e.Macros.Carbs
	t.Fat += e.Macros.Fat
}

func (t Totals) scale(f float64) Totals {
	return Totals{Calories: t.Calories * f, Protein: t.Protein * f, Carbs: t.Carbs * f, Fat: t.Fat * f}
}

// Bucket is one chart bar. Start is the oldest day it covers; the values are
// per-day averages when the bucket spans more than one day.
type Bucket struct {
	Start time.Time `json:"start"`
	Days  int       `json:"days"`
	Totals
}

// StartDate returns Start formatted as YYYY-MM-DD.
func (b Bucket) StartDate() string {
	return b.Start.Format(models.DateLayout)
}

// Newest returns the most recent day the bucket covers.
func (b Bucket) Newest() time.Time {
	return b.Start.AddDate(0, 0, b.Days-1)
}

type dayKey struct {
	year  int
	month time.Month
	day   int
}

func keyOf(t time.Time) dayKey {
	y, m, d := t.Date()
	return dayKey{y, m, d}
}

func midnight(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

// byDay sums logs per calendar day in loc.
func byDay(logs []models.FoodLogEntry, loc *time.Location) map[dayKey]Totals {
	days := make(map[dayKey]Totals)
	for _, e := range logs {
		k := keyOf(time.UnixMilli(e.TimestampMs).In(loc))
		t := days[k]
		t.add(e)
		days[k] = t
	}
	return days
}

const (
	// MaxRangeDays bounds the span of one chart page.
	MaxRangeDays = 5 * 366
	// MaxLookbackDays bounds how far back paging reaches.
	MaxLookbackDays = 100 * 366
)

// ValidRange reports whether a chart request stays within the bounds above.
func ValidRange(rangeDays, daysPerBar, page int) bool {
	if rangeDays <= 0 || rangeDays > MaxRangeDays || daysPerBar <= 0 || daysPerBar > rangeDays {
		return false
	}
	return page >= 0 && page < MaxLookbackDays/rangeDays
}

// BucketCount returns the number of bars for a range, zero when it is out
// of bounds.
func BucketCount(rangeDays, daysPerBar int) int {
	if rangeDays <= 0 || rangeDays > MaxRangeDays || daysPerBar <= 0 || daysPerBar > rangeDays {
		return 0
	}
	return (rangeDays + daysPerBar - 1) / daysPerBar
}

// Bucketize groups logs into ceil(rangeDays/daysPerBar) buckets, oldest first.
// Page 0 ends today; page n ends n*rangeDays days earlier. Each bucket spans
// daysPerBar days, the oldest one included, and empty buckets are kept with
// zero values.
func Bucketize(logs []models.FoodLogEntry, rangeDays, daysPerBar, page int, now time.Time) []Bucket {
	count := BucketCount(rangeDays, daysPerBar)
	if count == 0 {
		return nil
	}
	if page < 0 {
		page = 0
	}
	if page >= MaxLookbackDays/rangeDays {
		return nil
	}
	days := byDay(logs, now.Location())
	today := midnight(now)
	offset := page * rangeDays

	buckets := make([]Bucket, count)
	for i := 0; i < count; i++ {
		newest := today.AddDate(0, 0, -(offset + i*daysPerBar))
		start := newest.AddDate(0, 0, -(daysPerBar - 1))

		var sum Totals
		for d := 0; d < daysPerBar; d++ {
			t := days[keyOf(start.AddDate(0, 0, d))]
			sum.Calories += t.Calories
			sum.Protein += t.Protein
			sum.Carbs += t.Carbs
			sum.Fat += t.Fat
		}
		if daysPerBar > 1 {
			sum = sum.scale(1 / float64(daysPerBar))
		}
		// Filled newest first, stored oldest first.
		buckets[count-1-i] = Bucket{Start: start, Days: daysPerBar, Totals: sum}
	}
	return buckets
}

// Window returns the inclusive millisecond range covering every bucket of a
// page, suitable for a range query.
func Window(rangeDays, daysPerBar, page int, now time.Time) (startMs, endMs int64) {
	count := BucketCount(rangeDays, daysPerBar)
	if count == 0 {
		return 0, 0
	}
	if page < 0 {
		page = 0
	}
	if page >= MaxLookbackDays/rangeDays {
		return 0, 0
	}
	today := midnight(now)
	offset := page * rangeDays
	newest := today.AddDate(0, 0, -offset)
	oldest := newest.AddDate(0, 0, -((count-1)*daysPerBar + daysPerBar - 1))
	end := newest.AddDate(0, 0, 1).Add(-time.Millisecond)
	return oldest.UnixMilli(), end.UnixMilli()
}
