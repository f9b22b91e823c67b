package logbook

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/franckalain/nutrilog/internal/ml"
	"github.com/franckalain/nutrilog/internal/models"
	"github.com/franckalain/nutrilog/internal/repository"
	"github.com/franckalain/nutrilog/internal/tenant"
)

var errRemote = &repository.RemoteQueryError{Op: "test", Err: errors.New("connection refused")}

type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]models.FoodLogEntry
	fail    bool
	noTen   bool
	inserts int
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: map[string]models.FoodLogEntry{}}
}

func (f *fakeStore) err() error {
	if f.noTen {
		return repository.ErrNoTenant
	}
	if f.fail {
		return errRemote
	}
	return nil
}

func (f *fakeStore) Insert(_ context.Context, e models.FoodLogEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.inserts++
	if err := f.err(); err != nil {
		return err
	}
	f.rows[e.ID] = e
	return nil
}

func (f *fakeStore) Update(_ context.Context, id string, p models.FoodLogPatch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return err
	}
	if e, ok := f.rows[id]; ok {
		f.rows[id] = p.Apply(e)
	}
	return nil
}

func (f *fakeStore) Delete(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return err
	}
	delete(f.rows, id)
	return nil
}

func (f *fakeStore) Recent(_ context.Context, limit int) ([]models.FoodLogEntry, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.err(); err != nil {
		return nil, err
	}
	var out []models.FoodLogEntry
	for _, e := range f.rows {
		out = append(out, e)
	}
	return out, nil
}

func (f *fakeStore) setFail(v bool) {
	f.mu.Lock()
	f.fail = v
	f.mu.Unlock()
}

type recordingSheets struct {
	mu  sync.Mutex
	ids []string
}

func (r *recordingSheets) Append(_ context.Context, e models.FoodLogEntry) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ids = append(r.ids, e.ID)
	return true
}

var clock = time.Date(2024, 6, 1, 12, 0, 0, 0, time.UTC)

func newTestLogbook(store Store, sheets Syncer) *Logbook {
	lb := New(Config{Store: store, Sheets: sheets, Estimator: ml.PlaceholderEstimator{}, Now: func() time.Time { return clock }})
	lb.HandleSnapshot(tenant.Snapshot{State: tenant.Bound, UserID: "u1"})
	return lb
}

func food(id string, minutes int) models.FoodLogEntry {
	return models.FoodLogEntry{
		ID:          id,
		Name:        "food " + id,
		TimestampMs: clock.Add(time.Duration(minutes) * time.Minute).UnixMilli(),
		Calories:    100,
	}
}

func TestAdd_SuccessSyncsSheets(t *testing.T) {
	store := newFakeStore()
	sheets := &recordingSheets{}
	lb := newTestLogbook(store, sheets)

	got, err := lb.Add(context.Background(), models.FoodLogEntry{Name: "toast", Calories: 80})
	require.NoError(t, err)
	assert.NotEmpty(t, got.ID)
	assert.Equal(t, clock.UnixMilli(), got.TimestampMs)
	assert.False(t, got.Unsynced)

	assert.Contains(t, store.rows, got.ID)
	assert.Equal(t, []string{got.ID}, sheets.ids)
	assert.Len(t, lb.Entries(), 1)
}

func TestAdd_FailureKeepsUnsyncedThenRetry(t *testing.T) {
	store := newFakeStore()
	sheets := &recordingSheets{}
	lb := newTestLogbook(store, sheets)
	ctx := context.Background()

	store.setFail(true)
	got, err := lb.Add(ctx, food("a", 0))
	require.Error(t, err)
	assert.True(t, got.Unsynced)
	require.Len(t, lb.Entries(), 1)
	assert.True(t, lb.Entries()[0].Unsynced)
	assert.Empty(t, sheets.ids)

	n, err := lb.RetryUnsynced(ctx)
	assert.Error(t, err)
	assert.Zero(t, n)

	store.setFail(false)
	n, err = lb.RetryUnsynced(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.False(t, lb.Entries()[0].Unsynced)
	assert.Equal(t, []string{"a"}, sheets.ids)
}

func TestAdd_NoTenant(t *testing.T) {
	store := newFakeStore()
	lb := New(Config{Store: store})
	_, err := lb.Add(context.Background(), food("x", 0))
	assert.ErrorIs(t, err, repository.ErrNoTenant)
	assert.Zero(t, store.inserts)

	lb.HandleSnapshot(tenant.Snapshot{State: tenant.Bound, UserID: "u1"})
	store.noTen = true
	_, err = lb.Add(context.Background(), food("x", 0))
	assert.ErrorIs(t, err, repository.ErrNoTenant)
	assert.Empty(t, lb.Entries())
}

func TestUpdate_RollsBackOnFailure(t *testing.T) {
	store := newFakeStore()
	lb := newTestLogbook(store, nil)
	ctx := context.Background()
	_, err := lb.Add(ctx, food("a", 0))
	require.NoError(t, err)

	name := "edited"
	store.setFail(true)
	_, err = lb.Update(ctx, "a", models.FoodLogPatch{Name: &name})
	require.Error(t, err)
	assert.Equal(t, "food a", lb.Entries()[0].Name)

	store.setFail(false)
	got, err := lb.Update(ctx, "a", models.FoodLogPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "edited", got.Name)
	assert.Equal(t, "edited", lb.Entries()[0].Name)
	assert.Equal(t, "edited", store.rows["a"].Name)
}

func TestUpdate_EntryNotLoadedLocally(t *testing.T) {
	store := newFakeStore()
	store.rows["remote"] = food("remote", -30)
	lb := newTestLogbook(store, nil)
	ctx := context.Background()

	cal := 420.0
	got, err := lb.Update(ctx, "remote", models.FoodLogPatch{Calories: &cal})
	require.NoError(t, err)
	assert.Equal(t, "remote", got.ID)
	assert.Equal(t, "food remote", got.Name)
	assert.Equal(t, 420.0, got.Calories)

	name := "gone"
	got, err = lb.Update(ctx, "missing", models.FoodLogPatch{Name: &name})
	require.NoError(t, err)
	assert.Equal(t, "missing", got.ID)
	assert.Equal(t, "gone", got.Name)
}

func TestUpdate_UnsyncedStaysLocal(t *testing.T) {
	store := newFakeStore()
	lb := newTestLogbook(store, nil)
	ctx := context.Background()
	store.setFail(true)
	_, _ = lb.Add(ctx, food("a", 0))

	cal := 250.0
	got, err := lb.Update(ctx, "a", models.FoodLogPatch{Calories: &cal})
	require.NoError(t, err)
	assert.True(t, got.Unsynced)
	assert.Equal(t, 250.0, lb.Entries()[0].Calories)
}

func TestDelete_RestoresOnFailure(t *testing.T) {
	store := newFakeStore()
	lb := newTestLogbook(store, nil)
	ctx := context.Background()
	_, err := lb.Add(ctx, food("a", 0))
	require.NoError(t, err)
	_, err = lb.Add(ctx, food("b", 5))
	require.NoError(t, err)

	store.setFail(true)
	require.Error(t, lb.Delete(ctx, "a"))
	entries := lb.Entries()
	require.Len(t, entries, 2)
	assert.Equal(t, "b", entries[0].ID)
	assert.Equal(t, "a", entries[1].ID)

	store.setFail(false)
	require.NoError(t, lb.Delete(ctx, "a"))
	assert.Len(t, lb.Entries(), 1)
	assert.NotContains(t, store.rows, "a")
}

func TestLoad_KeepsUnsyncedEntries(t *testing.T) {
	store := newFakeStore()
	lb := newTestLogbook(store, nil)
	ctx := context.Background()
	store.rows["remote1"] = food("remote1", -10)
	store.rows["remote2"] = food("remote2", 10)

	store.setFail(true)
	_, _ = lb.Add(ctx, food("local", 0))
	_, err := lb.Load(ctx)
	require.Error(t, err)
	assert.Len(t, lb.Entries(), 1)

	store.setFail(false)
	entries, err := lb.Load(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "remote2", entries[0].ID)
	assert.Equal(t, "local", entries[1].ID)
	assert.True(t, entries[1].Unsynced)
	assert.Equal(t, "remote1", entries[2].ID)
}

func TestHandleSnapshot_ResetsOnUserChange(t *testing.T) {
	store := newFakeStore()
	lb := newTestLogbook(store, nil)
	_, err := lb.Add(context.Background(), food("a", 0))
	require.NoError(t, err)

	lb.HandleSnapshot(tenant.Snapshot{State: tenant.Bound, UserID: "u1"})
	assert.Len(t, lb.Entries(), 1)

	lb.HandleSnapshot(tenant.Snapshot{State: tenant.Unauthenticated})
	assert.Empty(t, lb.Entries())
}

func TestEstimate(t *testing.T) {
	lb := newTestLogbook(newFakeStore(), nil)
	est, err := lb.Estimate(context.Background(), "pasta")
	require.NoError(t, err)
	assert.Equal(t, ml.Placeholder("pasta"), est)
}
