package tenant

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/franckalain/nutrilog/internal/auth"
	"github.com/franckalain/nutrilog/internal/database"
	"github.com/franckalain/nutrilog/internal/models"
	"github.com/franckalain/nutrilog/internal/vault"
)

// fakeAuth is a Provider whose sessions are pushed by the test.
type fakeAuth struct {
	mu        sync.Mutex
	current   *models.Session
	listeners map[int]auth.Listener
	next      int
}

func newFakeAuth(s *models.Session) *fakeAuth {
	return &fakeAuth{current: s, listeners: map[int]auth.Listener{}}
}

func (f *fakeAuth) CurrentSession(context.Context) (*models.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.current, nil
}

func (f *fakeAuth) OnSessionChange(fn auth.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.next++
	id := f.next
	f.listeners[id] = fn
	return func() {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.listeners, id)
	}
}

func (f *fakeAuth) emit(s *models.Session) {
	f.mu.Lock()
	f.current = s
	var fns []auth.Listener
	for _, fn := range f.listeners {
		fns = append(fns, fn)
	}
	f.mu.Unlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (f *fakeAuth) SignIn(context.Context, string, string) error { return nil }
func (f *fakeAuth) SignUp(context.Context, string, string) error { return nil }
func (f *fakeAuth) SignOut(context.Context) error              { return nil }

// gatedDirectory answers lookups from a map, optionally holding a user's
// lookup until the test releases it.
type gatedDirectory struct {
	mu    sync.Mutex
	creds map[string]models.TenantCredential
	gates map[string]chan struct{}
	fail  error
}

func newGatedDirectory() *gatedDirectory {
	return &gatedDirectory{creds: map[string]models.TenantCredential{}, gates: map[string]chan struct{}{}}
}

func (d *gatedDirectory) hold(userID string) chan struct{} {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch := make(chan struct{})
	d.gates[userID] = ch
	return ch
}

func (d *gatedDirectory) Lookup(ctx context.Context, userID string) (models.TenantCredential, error) {
	d.mu.Lock()
	gate := d.gates[userID]
	d.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return models.TenantCredential{}, ctx.Err()
		}
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return models.TenantCredential{}, d.fail
	}
	cred, ok := d.creds[userID]
	if !ok {
		return models.TenantCredential{}, ErrNotFound
	}
	return cred, nil
}

func (d *gatedDirectory) Upsert(_ context.Context, userID string, cred models.TenantCredential) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.creds[userID] = cred
	return nil
}

type memSecrets struct {
	mu     sync.Mutex
	values map[string]string
}

func (m *memSecrets) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values == nil {
		m.values = map[string]string{}
	}
	m.values[key] = value
	return nil
}

func session(userID string) *models.Session {
	return &models.Session{AccessToken: "tok-" + userID, UserID: userID, Email: userID + "@example.com"}
}

func waitState(t *testing.T, b *Binder, want State) {
	t.Helper()
	require.Eventually(t, func() bool { return b.Snapshot().State == want }, 2*time.Second, 5*time.Millisecond,
		"binder never reached %s", want)
}

func newTestBinder(t *testing.T, a *fakeAuth, dir Directory, secrets SecretStore) *Binder {
	t.Helper()
	b := NewBinder(BinderConfig{Auth: a, Directory: dir, Factory: NewFactory(nil), Secrets: secrets})
	t.Cleanup(b.Stop)
	return b
}

func TestBinder_InitialSessionBinds(t *testing.T) {
	dir := newGatedDirectory()
	dir.creds["u1"] = models.TenantCredential{URL: "sqlite://file:binder_initial?mode=memory&cache=shared"}
	b := newTestBinder(t, newFakeAuth(session("u1")), dir, nil)

	require.NoError(t, b.Start(context.Background()))
	waitState(t, b, Bound)

	snap := b.Snapshot()
	assert.Equal(t, "u1", snap.UserID)
	require.NotNil(t, b.Current())
	assert.Equal(t, dir.creds["u1"], b.Current().Credential())
}

func TestBinder_NoSessionStaysUnauthenticated(t *testing.T) {
	b := newTestBinder(t, newFakeAuth(nil), newGatedDirectory(), nil)
	require.NoError(t, b.Start(context.Background()))
	assert.Equal(t, Unauthenticated, b.Snapshot().State)
	assert.Nil(t, b.Current())
	assert.Error(t, b.Start(context.Background()))
}

func TestBinder_MissingCredentialNeedsSetup(t *testing.T) {
	a := newFakeAuth(nil)
	b := newTestBinder(t, a, newGatedDirectory(), nil)
	require.NoError(t, b.Start(context.Background()))

	a.emit(session("u2"))
	waitState(t, b, NeedsSetup)
	assert.Nil(t, b.Current())
}

func TestBinder_LookupFailureNeedsSetup(t *testing.T) {
	a := newFakeAuth(nil)
	dir := newGatedDirectory()
	dir.fail = errors.New("admin store unreachable")
	b := newTestBinder(t, a, dir, nil)
	require.NoError(t, b.Start(context.Background()))

	a.emit(session("u3"))
	waitState(t, b, NeedsSetup)
}

func TestBinder_CompleteSetupBindsImmediately(t *testing.T) {
	a := newFakeAuth(nil)
	dir := newGatedDirectory()
	secrets := &memSecrets{}
	b := newTestBinder(t, a, dir, secrets)
	require.NoError(t, b.Start(context.Background()))

	cred := models.TenantCredential{URL: "sqlite://file:binder_setup?mode=memory&cache=shared", Key: "anon"}
	assert.ErrorIs(t, b.CompleteSetup(context.Background(), cred, "ai"), ErrNotAuthenticated)

	a.emit(session("u4"))
	waitState(t, b, NeedsSetup)

	require.NoError(t, b.CompleteSetup(context.Background(), cred, "sk-ai"))
	assert.Equal(t, Bound, b.Snapshot().State)
	require.NotNil(t, b.Current())
	assert.Equal(t, cred, b.Current().Credential())
	assert.Equal(t, cred, dir.creds["u4"])
	assert.Equal(t, "sk-ai", secrets.values[vault.KeyAIKey])

	q, err := b.Current().Table(context.Background(), "food_logs")
	require.NoError(t, err)
	rows, err := q.Rows(context.Background())
	require.NoError(t, err)
	rows.Close()

	assert.Error(t, b.CompleteSetup(context.Background(), models.TenantCredential{}, ""))
}

func TestBinder_LogoutClearsClientBeforePublishing(t *testing.T) {
	a := newFakeAuth(session("u5"))
	dir := newGatedDirectory()
	dir.creds["u5"] = models.TenantCredential{URL: "sqlite://file:binder_logout?mode=memory&cache=shared"}
	b := newTestBinder(t, a, dir, nil)
	require.NoError(t, b.Start(context.Background()))
	waitState(t, b, Bound)

	var sawClient bool
	unsubscribe := b.Subscribe(func(s Snapshot) {
		if s.State == Unauthenticated && b.Current() != nil {
			sawClient = true
		}
	})
	defer unsubscribe()

	a.emit(nil)
	assert.Equal(t, Unauthenticated, b.Snapshot().State)
	assert.Nil(t, b.Current())
	assert.False(t, sawClient)
}

func TestBinder_StaleResolutionAfterLogoutIsDiscarded(t *testing.T) {
	a := newFakeAuth(nil)
	dir := newGatedDirectory()
	dir.creds["u6"] = models.TenantCredential{URL: "sqlite://file:binder_stale?mode=memory&cache=shared"}
	gate := dir.hold("u6")
	b := newTestBinder(t, a, dir, nil)
	require.NoError(t, b.Start(context.Background()))

	a.emit(session("u6"))
	assert.Equal(t, Resolving, b.Snapshot().State)
	a.emit(nil)
	close(gate)

	b.inflight.Wait()
	assert.Equal(t, Unauthenticated, b.Snapshot().State)
	assert.Nil(t, b.Current())
}

func TestBinder_UserSwitchKeepsNewestCredential(t *testing.T) {
	a := newFakeAuth(nil)
	dir := newGatedDirectory()
	dir.creds["old"] = models.TenantCredential{URL: "sqlite://file:binder_old?mode=memory&cache=shared"}
	dir.creds["new"] = models.TenantCredential{URL: "sqlite://file:binder_new?mode=memory&cache=shared"}
	gate := dir.hold("old")
	b := newTestBinder(t, a, dir, nil)
	require.NoError(t, b.Start(context.Background()))

	var mu sync.Mutex
	var states []State
	b.Subscribe(func(s Snapshot) {
		mu.Lock()
		states = append(states, s.State)
		mu.Unlock()
	})

	a.emit(session("old"))
	a.emit(session("new"))
	waitState(t, b, Bound)
	close(gate)
	b.inflight.Wait()

	snap := b.Snapshot()
	assert.Equal(t, "new", snap.UserID)
	assert.Equal(t, dir.creds["new"], b.Current().Credential())

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []State{Resolving, Resolving, Bound}, states)
}

func TestBinder_RefreshKeepsBinding(t *testing.T) {
	a := newFakeAuth(session("u7"))
	dir := newGatedDirectory()
	dir.creds["u7"] = models.TenantCredential{URL: "sqlite://file:binder_refresh?mode=memory&cache=shared"}
	b := newTestBinder(t, a, dir, nil)
	require.NoError(t, b.Start(context.Background()))
	waitState(t, b, Bound)
	client := b.Current()

	refreshed := session("u7")
	refreshed.AccessToken = "tok-refreshed"
	a.emit(refreshed)
	assert.Equal(t, Bound, b.Snapshot().State)
	assert.Same(t, client, b.Current())
}

func TestBinder_StopReportsUnauthenticated(t *testing.T) {
	dir := newGatedDirectory()
	dir.creds["u8"] = models.TenantCredential{URL: "sqlite://file:binder_stop?mode=memory&cache=shared"}
	b := NewBinder(BinderConfig{Auth: newFakeAuth(session("u8")), Directory: dir, Factory: NewFactory(nil)})
	require.NoError(t, b.Start(context.Background()))
	waitState(t, b, Bound)

	var got []Snapshot
	b.Subscribe(func(s Snapshot) { got = append(got, s) })
	b.Stop()

	assert.Equal(t, Snapshot{State: Unauthenticated}, b.Snapshot())
	assert.Nil(t, b.Current())
	assert.Equal(t, []Snapshot{{State: Unauthenticated}}, got)
}

func TestBinder_SignInRacingSignOutEndsUnauthenticated(t *testing.T) {
	ctx := context.Background()
	admin, err := database.Open("sqlite://file:binder_race_admin?mode=memory&cache=shared", "")
	require.NoError(t, err)
	t.Cleanup(func() { admin.Close() })
	require.NoError(t, admin.Migrate(ctx, database.AdminSchema()))
	v, err := vault.Open(vault.Config{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { v.Close() })

	provider, err := auth.NewLocal(admin, v, auth.Config{SigningKey: []byte("race-key"), BcryptCost: bcrypt.MinCost})
	require.NoError(t, err)
	require.NoError(t, provider.SignUp(ctx, "race@example.com", "hunter22"))
	s, err := provider.CurrentSession(ctx)
	require.NoError(t, err)
	dir := NewAdminDirectory(admin)
	require.NoError(t, dir.Upsert(ctx, s.UserID, models.TenantCredential{URL: "sqlite://file:binder_race_tenant?mode=memory&cache=shared"}))
	require.NoError(t, provider.SignOut(ctx))

	// Registered before the binder, so it holds the sign-in delivery.
	var holding atomic.Bool
	entered := make(chan struct{}, 1)
	release := make(chan struct{})
	provider.OnSessionChange(func(s *models.Session) {
		if s != nil && holding.CompareAndSwap(true, false) {
			entered <- struct{}{}
			<-release
		}
	})

	b := NewBinder(BinderConfig{Auth: provider, Directory: dir, Factory: NewFactory(nil)})
	require.NoError(t, b.Start(ctx))
	t.Cleanup(b.Stop)

	holding.Store(true)
	signedIn := make(chan error, 1)
	go func() { signedIn <- provider.SignIn(ctx, "race@example.com", "hunter22") }()
	<-entered
	signedOut := make(chan error, 1)
	go func() { signedOut <- provider.SignOut(ctx) }()

	select {
	case <-signedOut:
		t.Fatal("sign out completed while the sign in was still being delivered")
	case <-time.After(50 * time.Millisecond):
	}
	close(release)
	require.NoError(t, <-signedIn)
	require.NoError(t, <-signedOut)

	current, err := provider.CurrentSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, current)
	_, err = v.Get(vault.KeySession)
	assert.ErrorIs(t, err, vault.ErrNotFound)

	require.Never(t, func() bool { return b.Snapshot().State == Bound }, 200*time.Millisecond, 10*time.Millisecond)
	assert.Equal(t, Unauthenticated, b.Snapshot().State)
	assert.Nil(t, b.Current())
}

func TestAdminDirectory(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open("sqlite://file:tenant_directory?mode=memory&cache=shared", "")
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.Migrate(ctx, database.AdminSchema()))

	dir := NewAdminDirectory(db)
	_, err = dir.Lookup(ctx, "nobody")
	assert.ErrorIs(t, err, ErrNotFound)

	first := models.TenantCredential{URL: "postgres://db.example.com/app", Key: "k1"}
	require.NoError(t, dir.Upsert(ctx, "u1", first))
	got, err := dir.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, first, got)

	second := models.TenantCredential{URL: "mysql://db.example.com/app", Key: "k2"}
	require.NoError(t, dir.Upsert(ctx, "u1", second))
	got, err = dir.Lookup(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, second, got)

	require.NoError(t, dir.Upsert(ctx, "u2", models.TenantCredential{}))
	_, err = dir.Lookup(ctx, "u2")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFactory_BadCredentialFailsAtQueryTime(t *testing.T) {
	c := NewFactory(nil).Build(models.TenantCredential{URL: "ftp://nowhere"})
	require.NotNil(t, c)
	_, err := c.Table(context.Background(), "food_logs")
	assert.Error(t, err)
	assert.NoError(t, c.Close())
}
