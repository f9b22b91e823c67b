package tenant

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/franckalain/nutrilog/internal/auth"
	"github.com/franckalain/nutrilog/internal/metrics"
	"github.com/franckalain/nutrilog/internal/models"
	"github.com/franckalain/nutrilog/internal/vault"
)

// State is the binding state of the current session.
type State int

const (
	Unauthenticated State = iota
	Resolving
	NeedsSetup
	Bound
)

func (s State) String() string {
	switch s {
	case Unauthenticated:
		return "unauthenticated"
	case Resolving:
		return "resolving"
	case NeedsSetup:
		return "needs_setup"
	case Bound:
		return "bound"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// Snapshot is a consistent view of the binder.
type Snapshot struct {
	State  State  `json:"state"`
	UserID string `json:"user_id,omitempty"`
	Email  string `json:"email,omitempty"`
}

// SecretStore receives the AI key during setup.
type SecretStore interface {
	Set(key, value string) error
}

// BinderConfig wires the binder collaborators.
type BinderConfig struct {
	Auth      auth.Provider
	Directory Directory
	Factory   Builder
	Secrets   SecretStore
	Logger    *slog.Logger
}

type subscriber struct {
	id int
	fn func(Snapshot)
}

// Binder owns the current tenant client. It follows the auth provider's
// session events, resolves each signed-in user through the directory and
// replaces the client atomically. At most one client is current at a time.
type Binder struct {
	auth    auth.Provider
	dir     Directory
	factory Builder
	secrets SecretStore
	logger  *slog.Logger
	tracer  trace.Tracer

	// pubMu serializes subscriber delivery.
	pubMu sync.Mutex

	mu          sync.Mutex
	started     bool
	ctx         context.Context
	cancel      context.CancelFunc
	unsubscribe func()
	state       State
	session     *models.Session
	client      *Client
	gen         uint64
	subs        []subscriber
	nextSub     int
	inflight    sync.WaitGroup
}

// NewBinder returns a binder in the Unauthenticated state. Call Start to
// begin following the auth provider.
func NewBinder(cfg BinderConfig) *Binder {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Binder{
		auth:    cfg.Auth,
		dir:     cfg.Directory,
		factory: cfg.Factory,
		secrets: cfg.Secrets,
		logger:  logger,
		tracer:  otel.Tracer("github.com/franckalain/nutrilog/internal/tenant"),
	}
}

// Start subscribes to session changes and resolves the current session.
func (b *Binder) Start(ctx context.Context) error {
	b.mu.Lock()
	if b.started {
		b.mu.Unlock()
		return errors.New("binder already started")
	}
	b.started = true
	b.ctx, b.cancel = context.WithCancel(context.WithoutCancel(ctx))
	startGen := b.gen
	b.mu.Unlock()

	unsubscribe := b.auth.OnSessionChange(b.handle)
	b.mu.Lock()
	b.unsubscribe = unsubscribe
	b.mu.Unlock()

	s, err := b.auth.CurrentSession(ctx)
	if err != nil {
		b.logger.Warn("failed to read current session", slog.String("error", err.Error()))
		s = nil
	}

	b.mu.Lock()
	superseded := b.gen != startGen
	b.mu.Unlock()
	if superseded {
		return nil
	}
	b.handle(s)
	return nil
}

// Stop unsubscribes from the auth provider, waits for in-flight resolutions,
// retires the current client and publishes Unauthenticated.
func (b *Binder) Stop() {
	b.mu.Lock()
	unsubscribe, cancel := b.unsubscribe, b.cancel
	b.unsubscribe = nil
	b.mu.Unlock()
	if unsubscribe != nil {
		unsubscribe()
	}
	if cancel != nil {
		cancel()
	}
	b.inflight.Wait()

	b.mu.Lock()
	b.gen++
	old := b.client
	b.client = nil
	b.session = nil
	changed := b.state != Unauthenticated
	b.setStateLocked(Unauthenticated)
	b.mu.Unlock()
	b.retire(old)
	if changed {
		b.publish()
	}
}

// Snapshot returns the current state.
func (b *Binder) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Binder) snapshotLocked() Snapshot {
	snap := Snapshot{State: b.state}
	if b.session != nil {
		snap.UserID = b.session.UserID
		snap.Email = b.session.Email
	}
	return snap
}

// Current returns the bound client, nil unless the state is Bound.
func (b *Binder) Current() *Client {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.client
}

// Subscribe registers fn for every state change. fn must not call
// Start, Stop or CompleteSetup.
func (b *Binder) Subscribe(fn func(Snapshot)) (unsubscribe func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextSub++
	id := b.nextSub
	b.subs = append(b.subs, subscriber{id: id, fn: fn})
	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// handle reacts to one session event.
func (b *Binder) handle(s *models.Session) {
	b.mu.Lock()
	b.gen++
	gen := b.gen

	if s == nil {
		old := b.client
		b.client = nil
		b.session = nil
		b.setStateLocked(Unauthenticated)
		b.mu.Unlock()
		b.retire(old)
		b.publish()
		return
	}

	// A refreshed token for the bound user keeps the binding.
	if b.state == Bound && b.session != nil && b.session.UserID == s.UserID {
		cp := *s
		b.session = &cp
		b.mu.Unlock()
		return
	}

	var old *Client
	if b.session == nil || b.session.UserID != s.UserID {
		old = b.client
		b.client = nil
	}
	cp := *s
	b.session = &cp
	b.setStateLocked(Resolving)
	ctx := b.ctx
	if ctx == nil {
		ctx = context.Background()
	}
	b.inflight.Add(1)
	b.mu.Unlock()

	b.retire(old)
	b.publish()
	go b.resolve(ctx, gen, s.UserID)
}

func (b *Binder) resolve(ctx context.Context, gen uint64, userID string) {
	defer b.inflight.Done()
	ctx, span := b.tracer.Start(ctx, "tenant.resolve", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	next := NeedsSetup
	var client *Client
	cred, err := b.dir.Lookup(ctx, userID)
	switch {
	case err == nil:
		client = b.factory.Build(cred)
		next = Bound
	case errors.Is(err, ErrNotFound):
		b.logger.Info("user has no tenant store yet", slog.String("user_id", userID))
	default:
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		b.logger.Warn("tenant resolution failed", slog.String("user_id", userID), slog.String("error", err.Error()))
	}

	// The provider is the source of truth: an event still in delivery may
	// already be outdated.
	live := true
	if current, err := b.auth.CurrentSession(ctx); err == nil && (current == nil || current.UserID != userID) {
		live = false
	}

	b.mu.Lock()
	if !live || b.gen != gen || b.session == nil || b.session.UserID != userID {
		b.mu.Unlock()
		metrics.StaleResolutions.Inc()
		span.SetAttributes(attribute.Bool("stale", true))
		b.logger.Debug("discarding stale tenant resolution", slog.String("user_id", userID))
		b.retire(client)
		return
	}
	b.client = client
	b.setStateLocked(next)
	b.mu.Unlock()
	b.publish()
}

// CompleteSetup persists cred for the signed-in user, stores aiKey in the
// vault and binds a client for cred before returning. It also replaces the
// credential of an already bound user.
func (b *Binder) CompleteSetup(ctx context.Context, cred models.TenantCredential, aiKey string) error {
	if err := models.Validate(cred); err != nil {
		return fmt.Errorf("invalid tenant credential: %w", err)
	}
	b.mu.Lock()
	if b.session == nil {
		b.mu.Unlock()
		return ErrNotAuthenticated
	}
	userID := b.session.UserID
	b.mu.Unlock()

	ctx, span := b.tracer.Start(ctx, "tenant.complete_setup", trace.WithAttributes(attribute.String("user.id", userID)))
	defer span.End()

	if aiKey != "" && b.secrets != nil {
		if err := b.secrets.Set(vault.KeyAIKey, aiKey); err != nil {
			b.logger.Warn("failed to store AI key", slog.String("error", err.Error()))
		}
	}
	if err := b.dir.Upsert(ctx, userID, cred); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}
	client := b.factory.Build(cred)

	b.mu.Lock()
	if b.session == nil || b.session.UserID != userID {
		b.mu.Unlock()
		b.retire(client)
		return ErrNotAuthenticated
	}
	// Supersedes any resolution still in flight for this user.
	b.gen++
	old := b.client
	b.client = client
	b.setStateLocked(Bound)
	b.mu.Unlock()

	b.retire(old)
	b.publish()
	b.logger.Info("tenant store bound", slog.String("user_id", userID))
	return nil
}

func (b *Binder) setStateLocked(s State) {
	if b.state == s {
		return
	}
	b.state = s
	metrics.BinderTransitions.WithLabelValues(s.String()).Inc()
}

func (b *Binder) publish() {
	b.pubMu.Lock()
	defer b.pubMu.Unlock()
	b.mu.Lock()
	snap := b.snapshotLocked()
	subs := make([]subscriber, len(b.subs))
	copy(subs, b.subs)
	b.mu.Unlock()
	for _, s := range subs {
		s.fn(snap)
	}
}

func (b *Binder) retire(c *Client) {
	if c == nil {
		return
	}
	if err := c.Close(); err != nil {
		b.logger.Warn("failed to close tenant client", slog.String("error", err.Error()))
	}
}
