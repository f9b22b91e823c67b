package analytics

import (
	"fmt"
	"time"
)

// Macro names a single macronutrient series.
type Macro string

const (
	Protein Macro = "protein"
	Carbs   Macro = "carbs"
	Fat     Macro = "fat"
)

// Mode selects what a chart plots. It is either Stacked or SingleMacro.
type Mode interface {
	// Value is the plotted value of b.
	Value(b Bucket) float64
	// Floor is the minimum of the y axis.
	Floor() float64
	segments(b Bucket, height float64) []Segment
	fmt.Stringer
}

// Stacked plots calories, split into protein, carbs and fat segments.
type Stacked struct{}

func (Stacked) Value(b Bucket) float64 { return b.Calories }
func (Stacked) Floor() float64         { return 2000 }
func (Stacked) String() string         { return "stacked" }

func (Stacked) segments(b Bucket, height float64) []Segment {
	grams := b.Protein + b.Carbs + b.Fat
	if grams <= 0 || height <= 0 {
		return nil
	}
	return []Segment{
		{Kind: string(Protein), Height: height * b.Protein / grams},
		{Kind: string(Carbs), Height: height * b.Carbs / grams},
		{Kind: string(Fat), Height: height * b.Fat / grams},
	}
}

// SingleMacro plots one macro in grams.
type SingleMacro struct {
	Field Macro
}

func (m SingleMacro) Value(b Bucket) float64 {
	switch m.Field {
	case Protein:
		return b.Protein
	case Carbs:
		return b.Carbs
	case Fat:
		return b.Fat
	default:
		return 0
	}
}

func (SingleMacro) Floor() float64   { return 50 }
func (m SingleMacro) String() string { return string(m.Field) }

func (m SingleMacro) segments(_ Bucket, height float64) []Segment {
	if height <= 0 {
		return nil
	}
	return []Segment{{Kind: string(m.Field), Height: height}}
}

// ParseMode maps "stacked" (or "calories") and the macro names to a Mode.
func ParseMode(s string) (Mode, error) {
	switch s {
	case "", "stacked", "calories":
		return Stacked{}, nil
	case string(Protein), string(Carbs), string(Fat):
		return SingleMacro{Field: Macro(s)}, nil
	default:
		return nil, fmt.Errorf("unknown chart mode %q", s)
	}
}

// YAxisMax returns the largest plotted value, never below the mode's floor.
func YAxisMax(buckets []Bucket, mode Mode) float64 {
	top := mode.Floor()
	for _, b := range buckets {
		if v := mode.Value(b); v > top {
			top = v
		}
	}
	return top
}

// Segment is one colored part of a bar.
type Segment struct {
	Kind   string  `json:"kind"`
	Height float64 `json:"height"`
}

// Bar is a rendered bucket.
type Bar struct {
	Label    string    `json:"label"`
	Date     string    `json:"date"`
	Value    float64   `json:"value"`
	Height   float64   `json:"height"`
	Segments []Segment `json:"segments,omitempty"`
}

// Bars scales buckets against YAxisMax so the tallest possible bar is maxHeight.
func Bars(buckets []Bucket, mode Mode, maxHeight float64) []Bar {
	yMax := YAxisMax(buckets, mode)
	bars := make([]Bar, len(buckets))
	for i, b := range buckets {
		v := mode.Value(b)
		h := v / yMax * maxHeight
		bars[i] = Bar{
			Label:    Label(b),
			Date:     b.StartDate(),
			Value:    v,
			Height:   h,
			Segments: mode.segments(b, h),
		}
	}
	return bars
}

// Label renders the span of b as d/M, or d/M-d/M for multi-day buckets.
func Label(b Bucket) string {
	if b.Days <= 1 {
		return shortDate(b.Start)
	}
	return shortDate(b.Start) + "-" + shortDate(b.Newest())
}

func shortDate(t time.Time) string {
	return fmt.Sprintf("%d/%d", t.Day(), int(t.Month()))
}

// SelectDate resolves a tap on b to the newest day it covers.
func SelectDate(b Bucket, daysPerBar int) time.Time {
	if daysPerBar < 1 {
		daysPerBar = 1
	}
	return b.Start.AddDate(0, 0, daysPerBar-1)
}

// Contains reports whether day falls within the daysPerBar days starting at b.Start.
func Contains(b Bucket, daysPerBar int, day time.Time) bool {
	k := keyOf(day.In(b.Start.Location()))
	for d := 0; d < daysPerBar; d++ {
		if keyOf(b.Start.AddDate(0, 0, d)) == k {
			return true
		}
	}
	return false
}
