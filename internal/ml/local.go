package ml

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"github.com/franckalain/nutrilog/internal/metrics"
	"github.com/franckalain/nutrilog/internal/models"
	"github.com/franckalain/nutrilog/internal/vault"
)

// PlaceholderVerdict marks an estimate that did not come from a model.
const PlaceholderVerdict = "Mock verdict: Key missing."

// Placeholder returns the fixed estimate used when no model can answer.
func Placeholder(description string) models.Estimate {
	return models.Estimate{
		Name:     description,
		Calories: 100,
		Macros:   models.Macros{Protein: 5, Carbs: 10, Fat: 2},
		Micros:   map[string]float64{"Vitamin C": 10},
		Verdict:  PlaceholderVerdict,
	}
}

// PlaceholderEstimator answers every description with Placeholder.
type PlaceholderEstimator struct{}

func (PlaceholderEstimator) Estimate(_ context.Context, description string) (models.Estimate, error) {
	return Placeholder(description), nil
}

// PlaceholderFactory needs no key.
type PlaceholderFactory struct{}

func (PlaceholderFactory) CreateEstimator(context.Context, string) (Estimator, error) {
	return PlaceholderEstimator{}, nil
}

// KeySource yields the AI key, vault.ErrNotFound when none is stored.
type KeySource interface {
	Get(key string) (string, error)
}

// Fallback reads the AI key on every call, so a key saved during setup takes
// effect immediately, and answers with Placeholder when the key is missing or
// the provider fails.
type Fallback struct {
	factory EstimatorFactory
	keys    KeySource
	logger  *slog.Logger

	mu        sync.Mutex
	key       string
	estimator Estimator
}

// WithFallback wraps factory. A nil logger uses slog.Default.
func WithFallback(factory EstimatorFactory, keys KeySource, logger *slog.Logger) *Fallback {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fallback{factory: factory, keys: keys, logger: logger}
}

// Estimate never fails. Provider errors are logged and counted.
func (f *Fallback) Estimate(ctx context.Context, description string) (models.Estimate, error) {
	est, err := f.estimate(ctx, description)
	if err == nil {
		return est, nil
	}
	metrics.EstimationFallbacks.Inc()
	if errors.Is(err, ErrMissingKey) {
		f.logger.Warn("AI key is missing, returning placeholder estimate")
	} else {
		f.logger.Error("estimation failed, returning placeholder estimate", slog.String("error", err.Error()))
	}
	return Placeholder(description), nil
}

func (f *Fallback) estimate(ctx context.Context, description string) (models.Estimate, error) {
	key, err := f.keys.Get(vault.KeyAIKey)
	if err != nil && !errors.Is(err, vault.ErrNotFound) {
		return models.Estimate{}, err
	}
	e, err := f.current(ctx, key)
	if err != nil {
		return models.Estimate{}, err
	}
	return e.Estimate(ctx, description)
}

// current returns the estimator for key, recreating it when the key changed.
func (f *Fallback) current(ctx context.Context, key string) (Estimator, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.estimator != nil && f.key == key {
		return f.estimator, nil
	}
	e, err := f.factory.CreateEstimator(ctx, key)
	if err != nil {
		return nil, err
	}
	if err := f.closeLocked(); err != nil {
		f.logger.Warn("failed to close estimator", slog.String("error", err.Error()))
	}
	f.key = key
	f.estimator = e
	return e, nil
}

// Close releases the cached estimator.
func (f *Fallback) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closeLocked()
}

func (f *Fallback) closeLocked() error {
	var err error
	if c, ok := f.estimator.(io.Closer); ok {
		err = c.Close()
	}
	f.estimator = nil
	return err
}
