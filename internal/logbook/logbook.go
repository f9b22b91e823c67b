// Package logbook keeps the signed-in user's recent food logs in memory and
// writes through to the repository in two phases: the cache changes first,
// then the remote write either confirms it or is compensated.
package logbook

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/franckalain/nutrilog/internal/ml"
	"github.com/franckalain/nutrilog/internal/models"
	"github.com/franckalain/nutrilog/internal/repository"
	"github.com/franckalain/nutrilog/internal/tenant"
)

// RecentLimit bounds the entries Load fetches.
const RecentLimit = 50

// Store is the part of the repository the logbook writes through to.
type Store interface {
	Insert(ctx context.Context, e models.FoodLogEntry) error
	Update(ctx context.Context, id string, patch models.FoodLogPatch) error
	Delete(ctx context.Context, id string) error
	Recent(ctx context.Context, limit int) ([]models.FoodLogEntry, error)
}

// Syncer mirrors confirmed inserts elsewhere.
type Syncer interface {
	Append(ctx context.Context, e models.FoodLogEntry) bool
}

// Entry is a cached log entry. Unsynced entries exist only locally.
type Entry struct {
	models.FoodLogEntry
	Unsynced bool `json:"unsynced,omitempty"`
}

// Config wires the logbook collaborators.
type Config struct {
	Store     Store
	Estimator ml.Estimator
	Sheets    Syncer
	Logger    *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Logbook is safe for concurrent use.
type Logbook struct {
	store  Store
	est    ml.Estimator
	sheets Syncer
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	userID  string
	epoch   uint64
	entries []Entry
}

// New creates an empty logbook.
func New(cfg Config) *Logbook {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Logbook{store: cfg.Store, est: cfg.Estimator, sheets: cfg.Sheets, logger: logger, now: now}
}

// HandleSnapshot drops the cache when the signed-in user changes. Pass it to
// tenant.Binder.Subscribe.
func (l *Logbook) HandleSnapshot(s tenant.Snapshot) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if s.UserID == l.userID {
		return
	}
	l.userID = s.UserID
	l.epoch++
	l.entries = nil
}

// Estimate asks the estimator about description.
func (l *Logbook) Estimate(ctx context.Context, description string) (models.Estimate, error) {
	if l.est == nil {
		return ml.Placeholder(description), nil
	}
	return l.est.Estimate(ctx, description)
}

// Entries returns a copy of the cache, newest first.
func (l *Logbook) Entries() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]Entry, len(l.entries))
	copy(out, l.entries)
	return out
}

// Load replaces the cache with the most recent remote entries, keeping
// entries that were never synced. On failure the cache is left as is.
func (l *Logbook) Load(ctx context.Context) ([]Entry, error) {
	l.mu.Lock()
	epoch := l.epoch
	l.mu.Unlock()

	remote, err := l.store.Recent(ctx, RecentLimit)
	if err != nil {
		return l.Entries(), err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.epoch != epoch {
		return nil, tenant.ErrNotAuthenticated
	}
	fresh := make([]Entry, 0, len(remote))
	seen := make(map[string]struct{}, len(remote))
	for _, e := range remote {
		fresh = append(fresh, Entry{FoodLogEntry: e})
		seen[e.ID] = struct{}{}
	}
	for _, e := range l.entries {
		if _, ok := seen[e.ID]; e.Unsynced && !ok {
			fresh = append(fresh, e)
		}
	}
	sortEntries(fresh)
	l.entries = fresh
	out := make([]Entry, len(fresh))
	copy(out, fresh)
	return out, nil
}

// Add caches e and inserts it remotely. When the insert fails the entry stays
// cached as unsynced and the error is returned; RetryUnsynced sends it later.
// A missing id or timestamp is filled in.
func (l *Logbook) Add(ctx context.Context, e models.FoodLogEntry) (Entry, error) {
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.TimestampMs == 0 {
		e.TimestampMs = l.now().UnixMilli()
	}
	if err := models.Validate(e); err != nil {
		return Entry{}, fmt.Errorf("invalid food log entry: %w", err)
	}

	l.mu.Lock()
	if l.userID == "" {
		l.mu.Unlock()
		return Entry{}, repository.ErrNoTenant
	}
	if l.indexLocked(e.ID) >= 0 {
		l.mu.Unlock()
		return Entry{}, fmt.Errorf("entry %s already exists", e.ID)
	}
	epoch := l.epoch
	l.entries = append(l.entries, Entry{FoodLogEntry: e})
	sortEntries(l.entries)
	l.mu.Unlock()

	err := l.store.Insert(ctx, e)
	if errors.Is(err, repository.ErrNoTenant) {
		l.mutate(epoch, func() { l.removeLocked(e.ID) })
		return Entry{}, err
	}
	if err != nil {
		l.mutate(epoch, func() {
			if i := l.indexLocked(e.ID); i >= 0 {
				l.entries[i].Unsynced = true
			}
		})
		l.logger.Warn("entry kept unsynced", slog.String("id", e.ID), slog.String("error", err.Error()))
		return Entry{FoodLogEntry: e, Unsynced: true}, err
	}

	l.syncSheets(ctx, e)
	return Entry{FoodLogEntry: e}, nil
}

// Update patches the entry with id. A failed remote update is rolled back.
// Unsynced entries change locally only.
func (l *Logbook) Update(ctx context.Context, id string, patch models.FoodLogPatch) (Entry, error) {
	l.mu.Lock()
	epoch := l.epoch
	i := l.indexLocked(id)
	var before Entry
	if i >= 0 {
		before = l.entries[i]
		after := before
		after.FoodLogEntry = patch.Apply(before.FoodLogEntry)
		if err := models.Validate(after.FoodLogEntry); err != nil {
			l.mu.Unlock()
			return Entry{}, fmt.Errorf("invalid food log entry: %w", err)
		}
		l.entries[i] = after
		sortEntries(l.entries)
		if after.Unsynced {
			l.mu.Unlock()
			return after, nil
		}
	}
	l.mu.Unlock()

	if err := l.store.Update(ctx, id, patch); err != nil {
		if i >= 0 {
			l.mutate(epoch, func() {
				if j := l.indexLocked(id); j >= 0 {
					l.entries[j] = before
					sortEntries(l.entries)
				}
			})
		}
		return before, err
	}
	if i < 0 {
		return l.updated(ctx, id, patch), nil
	}
	return Entry{FoodLogEntry: patch.Apply(before.FoodLogEntry)}, nil
}

// updated returns the stored row of an entry that was not loaded locally.
// Rows outside the recent window come back as the patch applied to the id.
func (l *Logbook) updated(ctx context.Context, id string, patch models.FoodLogPatch) Entry {
	rows, err := l.store.Recent(ctx, RecentLimit)
	if err != nil {
		l.logger.Warn("failed to reload updated entry", slog.String("id", id), slog.String("error", err.Error()))
	}
	for _, e := range rows {
		if e.ID == id {
			return Entry{FoodLogEntry: e}
		}
	}
	return Entry{FoodLogEntry: patch.Apply(models.FoodLogEntry{ID: id})}
}

// Delete removes the entry with id. A failed remote delete restores it.
// Unsynced entries are removed locally only.
func (l *Logbook) Delete(ctx context.Context, id string) error {
	l.mu.Lock()
	epoch := l.epoch
	var removed *Entry
	if i := l.indexLocked(id); i >= 0 {
		e := l.entries[i]
		removed = &e
		l.removeLocked(id)
	}
	l.mu.Unlock()
	if removed != nil && removed.Unsynced {
		return nil
	}

	if err := l.store.Delete(ctx, id); err != nil {
		if removed != nil {
			l.mutate(epoch, func() {
				if l.indexLocked(id) < 0 {
					l.entries = append(l.entries, *removed)
					sortEntries(l.entries)
				}
			})
		}
		return err
	}
	return nil
}

// RetryUnsynced inserts every unsynced entry again and returns how many were
// confirmed. The first error is returned once all were tried.
func (l *Logbook) RetryUnsynced(ctx context.Context) (int, error) {
	l.mu.Lock()
	epoch := l.epoch
	var pending []models.FoodLogEntry
	for _, e := range l.entries {
		if e.Unsynced {
			pending = append(pending, e.FoodLogEntry)
		}
	}
	l.mu.Unlock()

	var firstErr error
	synced := 0
	for _, e := range pending {
		if err := l.store.Insert(ctx, e); err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		synced++
		id := e.ID
		l.mutate(epoch, func() {
			if i := l.indexLocked(id); i >= 0 {
				l.entries[i].Unsynced = false
			}
		})
		l.syncSheets(ctx, e)
	}
	return synced, firstErr
}

func (l *Logbook) syncSheets(ctx context.Context, e models.FoodLogEntry) {
	if l.sheets != nil {
		l.sheets.Append(ctx, e)
	}
}

// mutate runs fn under the lock unless the user changed since epoch.
func (l *Logbook) mutate(epoch uint64, fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.epoch == epoch {
		fn()
	}
}

func (l *Logbook) indexLocked(id string) int {
	for i, e := range l.entries {
		if e.ID == id {
			return i
		}
	}
	return -1
}

func (l *Logbook) removeLocked(id string) {
	if i := l.indexLocked(id); i >= 0 {
		l.entries = append(l.entries[:i], l.entries[i+1:]...)
	}
}

func sortEntries(entries []Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].TimestampMs > entries[j].TimestampMs
	})
}
