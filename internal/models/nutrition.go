package models

import (
	"time"
)

// Macros holds the macronutrients of an entry, in grams.
type Macros struct {
	Protein float64 `json:"protein" validate:"gte=0"`
	Carbs   float64 `json:"carbs" validate:"gte=0"`
	Fat     float64 `json:"fat" validate:"gte=0"`
}

// FoodLogEntry is one logged meal or food item.
type FoodLogEntry struct {
	ID          string             `json:"id" validate:"required,max=64"`
	Name        string             `json:"name" validate:"required"`
	TimestampMs int64              `json:"timestamp" validate:"gt=0"`
	Calories    float64            `json:"calories" validate:"gte=0"`
	Macros      Macros             `json:"macros"`
	Micros      map[string]float64 `json:"micros,omitempty"`
	Verdict     string             `json:"verdict,omitempty"`
}

// Time returns the entry timestamp in the local time zone.
func (e FoodLogEntry) Time() time.Time {
	return time.UnixMilli(e.TimestampMs)
}

// FoodLogPatch carries the fields of a partial update. Nil fields are left untouched.
type FoodLogPatch struct {
	Name        *string            `json:"name,omitempty"`
	TimestampMs *int64             `json:"timestamp,omitempty"`
	Calories    *float64           `json:"calories,omitempty"`
	Macros      *Macros            `json:"macros,omitempty"`
	Micros      map[string]float64 `json:"micros,omitempty"`
	Verdict     *string            `json:"verdict,omitempty"`
}

// Apply returns a copy of e with the patch applied.
func (p FoodLogPatch) Apply(e FoodLogEntry) FoodLogEntry {
	if p.Name != nil {
		e.Name = *p.Name
	}
	if p.TimestampMs != nil {
		e.TimestampMs = *p.TimestampMs
	}
	if p.Calories != nil {
		e.Calories = *p.Calories
	}
	if p.Macros != nil {
		e.Macros = *p.Macros
	}
	if p.Micros != nil {
		e.Micros = p.Micros
	}
	if p.Verdict != nil {
		e.Verdict = *p.Verdict
	}
	return e
}

// IsEmpty reports whether the patch changes nothing.
func (p FoodLogPatch) IsEmpty() bool {
	return p.Name == nil && p.TimestampMs == nil && p.Calories == nil &&
		p.Macros == nil && p.Micros == nil && p.Verdict == nil
}

// DateLayout is the calendar date format used for weight logs and day selection.
const DateLayout = "2006-01-02"

// WeightLogEntry is the body weight recorded for one calendar date.
type WeightLogEntry struct {
	Date   string  `json:"date" validate:"required,datetime=2006-01-02"`
	Weight float64 `json:"weight" validate:"gt=0"`
}

// TargetProfile holds the daily nutrition targets of a user.
type TargetProfile struct {
	Calories float64 `json:"calories" validate:"gte=0"`
	Protein  float64 `json:"protein" validate:"gte=0"`
	Carbs    float64 `json:"carbs" validate:"gte=0"`
	Fat      float64 `json:"fat" validate:"gte=0"`
}

// DefaultTargets is used until the user saves their own targets.
var DefaultTargets = TargetProfile{
	Calories: 2000,
	Protein:  150,
	Carbs:    200,
	Fat:      70,
}

// Estimate is the structured result of an AI macro estimation.
type Estimate struct {
	Name     string             `json:"name"`
	Calories float64            `json:"calories"`
	Macros   Macros             `json:"macros"`
	Micros   map[string]float64 `json:"micros,omitempty"`
	Verdict  string             `json:"verdict"`
}

// Entry turns the estimate into a log entry stamped at t.
func (e Estimate) Entry(id string, t time.Time) FoodLogEntry {
	return FoodLogEntry{
		ID:          id,
		Name:        e.Name,
		TimestampMs: t.UnixMilli(),
		Calories:    e.Calories,
		Macros:      e.Macros,
		Micros:      e.Micros,
		Verdict:     e.Verdict,
	}
}
