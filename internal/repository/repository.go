// Package repository reads and writes food logs, weight logs and targets in
// whichever tenant store is bound when the call is made.
package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/franckalain/nutrilog/internal/database"
	"github.com/franckalain/nutrilog/internal/metrics"
	"github.com/franckalain/nutrilog/internal/models"
	"github.com/franckalain/nutrilog/internal/tenant"
)

const (
	tableFood    = "food_logs"
	tableWeight  = "weight_logs"
	tableTargets = "user_targets"

	// targetsRowID is the fixed id of the singleton targets row.
	targetsRowID = 1
)

var foodColumns = []string{"id", "name", "timestamp_ms", "calories", "protein", "carbs", "fat", "micros", "verdict"}

var (
	// ErrNoTenant is returned when no tenant store is bound. Nothing was sent.
	ErrNoTenant = errors.New("repository: no tenant store bound")
	// ErrNotFound is returned by single-row reads that matched nothing.
	ErrNotFound = errors.New("repository: not found")
)

// RemoteQueryError is a failed tenant store operation.
type RemoteQueryError struct {
	Op  string
	Err error
}

func (e *RemoteQueryError) Error() string {
	return fmt.Sprintf("%s failed: %v", e.Op, e.Err)
}

func (e *RemoteQueryError) Unwrap() error {
	return e.Err
}

// ClientSource yields the tenant client current at call time.
type ClientSource interface {
	Current() *tenant.Client
}

// Repository issues every call against source.Current(). Failed calls are
// logged and return an empty result together with the error.
type Repository struct {
	source ClientSource
	logger *slog.Logger
	tracer trace.Tracer
}

// New returns a repository over source. A nil logger uses slog.Default.
func New(source ClientSource, logger *slog.Logger) *Repository {
	if logger == nil {
		logger = slog.Default()
	}
	return &Repository{
		source: source,
		logger: logger,
		tracer: otel.Tracer("github.com/franckalain/nutrilog/internal/repository"),
	}
}

func (r *Repository) run(ctx context.Context, op, table string, fn func(context.Context, *database.Query) error) error {
	client := r.source.Current()
	if client == nil {
		r.logger.Debug("no tenant bound, skipping", slog.String("op", op))
		return ErrNoTenant
	}
	ctx, span := r.tracer.Start(ctx, "repository."+op)
	defer span.End()

	start := time.Now()
	q, err := client.Table(ctx, table)
	if err == nil {
		err = fn(ctx, q)
	}
	metrics.RemoteQueries.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if err == nil || errors.Is(err, ErrNotFound) {
		return err
	}

	metrics.RemoteQueryErrors.WithLabelValues(op).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	r.logger.Error("tenant query failed", slog.String("op", op), slog.String("error", err.Error()))
	return &RemoteQueryError{Op: op, Err: err}
}

// Insert adds a new food log entry.
func (r *Repository) Insert(ctx context.Context, e models.FoodLogEntry) error {
	if err := models.Validate(e); err != nil {
		return fmt.Errorf("invalid food log entry: %w", err)
	}
	rec, err := foodRecord(e)
	if err != nil {
		return err
	}
	return r.run(ctx, "insert_food", tableFood, func(ctx context.Context, q *database.Query) error {
		return q.Insert(ctx, rec)
	})
}

// Update applies patch to the entry with id. Updating a missing id is not an error.
func (r *Repository) Update(ctx context.Context, id string, patch models.FoodLogPatch) error {
	if patch.IsEmpty() {
		return nil
	}
	rec, err := patchRecord(patch)
	if err != nil {
		return err
	}
	return r.run(ctx, "update_food", tableFood, func(ctx context.Context, q *database.Query) error {
		_, err := q.Eq("id", id).Update(ctx, rec)
		return err
	})
}

// Delete removes the entry with id. Deleting a missing id is not an error.
func (r *Repository) Delete(ctx context.Context, id string) error {
	return r.run(ctx, "delete_food", tableFood, func(ctx context.Context, q *database.Query) error {
		_, err := q.Eq("id", id).Delete(ctx)
		return err
	})
}

// Recent returns at most limit entries, newest first.
func (r *Repository) Recent(ctx context.Context, limit int) ([]models.FoodLogEntry, error) {
	var out []models.FoodLogEntry
	err := r.run(ctx, "recent_food", tableFood, func(ctx context.Context, q *database.Query) error {
		var err error
		out, err = scanFood(ctx, q.Select(foodColumns...).Order("timestamp_ms", false).Limit(limit))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ByRange returns the entries with startMs <= timestamp <= endMs, newest first.
func (r *Repository) ByRange(ctx context.Context, startMs, endMs int64) ([]models.FoodLogEntry, error) {
	var out []models.FoodLogEntry
	err := r.run(ctx, "range_food", tableFood, func(ctx context.Context, q *database.Query) error {
		var err error
		out, err = scanFood(ctx, q.Select(foodColumns...).
			Gte("timestamp_ms", startMs).
			Lte("timestamp_ms", endMs).
			Order("timestamp_ms", false))
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// UpsertWeight records the weight of a date, overwriting the previous value.
func (r *Repository) UpsertWeight(ctx context.Context, w models.WeightLogEntry) error {
	if err := models.Validate(w); err != nil {
		return fmt.Errorf("invalid weight entry: %w", err)
	}
	return r.run(ctx, "upsert_weight", tableWeight, func(ctx context.Context, q *database.Query) error {
		return q.Upsert(ctx, "date", database.Record{"date": w.Date, "weight": w.Weight})
	})
}

// Weight returns the weight recorded for date, ErrNotFound when there is none.
func (r *Repository) Weight(ctx context.Context, date string) (models.WeightLogEntry, error) {
	w := models.WeightLogEntry{Date: date}
	err := r.run(ctx, "get_weight", tableWeight, func(ctx context.Context, q *database.Query) error {
		err := q.Select("weight").Eq("date", date).Single(ctx, &w.Weight)
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return err
	})
	if err != nil {
		return models.WeightLogEntry{}, err
	}
	return w, nil
}

// WeightRange returns the weights recorded between from and to inclusive, oldest first.
func (r *Repository) WeightRange(ctx context.Context, from, to string) ([]models.WeightLogEntry, error) {
	var out []models.WeightLogEntry
	err := r.run(ctx, "range_weight", tableWeight, func(ctx context.Context, q *database.Query) error {
		rows, err := q.Select("date", "weight").Gte("date", from).Lte("date", to).Order("date", true).Rows(ctx)
		if err != nil {
			return err
		}
		defer rows.Close()
		for rows.Next() {
			var w models.WeightLogEntry
			if err := rows.Scan(&w.Date, &w.Weight); err != nil {
				return err
			}
			out = append(out, w)
		}
		return rows.Err()
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Targets returns the saved targets, or the defaults when none were saved.
// On failure the defaults are returned together with the error.
func (r *Repository) Targets(ctx context.Context) (models.TargetProfile, error) {
	var p models.TargetProfile
	err := r.run(ctx, "get_targets", tableTargets, func(ctx context.Context, q *database.Query) error {
		err := q.Select("calories", "protein", "carbs", "fat").
			Eq("id", targetsRowID).
			Single(ctx, &p.Calories, &p.Protein, &p.Carbs, &p.Fat)
		if errors.Is(err, database.ErrNotFound) {
			return ErrNotFound
		}
		return err
	})
	if errors.Is(err, ErrNotFound) {
		return models.DefaultTargets, nil
	}
	if err != nil {
		return models.DefaultTargets, err
	}
	return p, nil
}

// SaveTargets upserts the singleton targets row.
func (r *Repository) SaveTargets(ctx context.Context, p models.TargetProfile) error {
	if err := models.Validate(p); err != nil {
		return fmt.Errorf("invalid targets: %w", err)
	}
	return r.run(ctx, "save_targets", tableTargets, func(ctx context.Context, q *database.Query) error {
		return q.Upsert(ctx, "id", database.Record{
			"id":       targetsRowID,
			"calories": p.Calories,
			"protein":  p.Protein,
			"carbs":    p.Carbs,
			"fat":      p.Fat,
		})
	})
}

func foodRecord(e models.FoodLogEntry) (database.Record, error) {
	micros, err := encodeMicros(e.Micros)
	if err != nil {
		return nil, err
	}
	return database.Record{
		"id":           e.ID,
		"name":         e.Name,
		"timestamp_ms": e.TimestampMs,
		"calories":     e.Calories,
		"protein":      e.Macros.Protein,
		"carbs":        e.Macros.Carbs,
		"fat":          e.Macros.Fat,
		"micros":       micros,
		"verdict":      e.Verdict,
	}, nil
}

func patchRecord(p models.FoodLogPatch) (database.Record, error) {
	rec := database.Record{}
	if p.Name != nil {
		rec["name"] = *p.Name
	}
	if p.TimestampMs != nil {
		rec["timestamp_ms"] = *p.TimestampMs
	}
	if p.Calories != nil {
		rec["calories"] = *p.Calories
	}
	if p.Macros != nil {
		rec["protein"] = p.Macros.Protein
		rec["carbs"] = p.Macros.Carbs
		rec["fat"] = p.Macros.Fat
	}
	if p.Micros != nil {
		micros, err := encodeMicros(p.Micros)
		if err != nil {
			return nil, err
		}
		rec["micros"] = micros
	}
	if p.Verdict != nil {
		rec["verdict"] = *p.Verdict
	}
	return rec, nil
}

func encodeMicros(m map[string]float64) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode micros: %w", err)
	}
	return string(b), nil
}

func scanFood(ctx context.Context, q *database.Query) ([]models.FoodLogEntry, error) {
	rows, err := q.Rows(ctx)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.FoodLogEntry
	for rows.Next() {
		var (
			e       models.FoodLogEntry
			micros  sql.NullString
			verdict sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Name, &e.TimestampMs, &e.Calories,
			&e.Macros.Protein, &e.Macros.Carbs, &e.Macros.Fat, &micros, &verdict); err != nil {
			return nil, err
		}
		if micros.Valid && micros.String != "" {
			if err := json.Unmarshal([]byte(micros.String), &e.Micros); err != nil {
				return nil, fmt.Errorf("failed to decode micros of %s: %w", e.ID, err)
			}
		}
		e.Verdict = verdict.String
		out = append(out, e)
	}
	return out, rows.Err()
}
