package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/mail"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"

	"github.com/franckalain/nutrilog/internal/database"
	"github.com/franckalain/nutrilog/internal/models"
	"github.com/franckalain/nutrilog/internal/vault"
)

const minPasswordLength = 6

// TokenStore persists the active session token across restarts.
type TokenStore interface {
	Get(key string) (string, error)
	Set(key, value string) error
	Remove(key string) error
}

// Config configures a Local provider.
type Config struct {
	SigningKey []byte
	TokenTTL   time.Duration
	BcryptCost int
	Logger     *slog.Logger
	// Now overrides the clock, for tests.
	Now func() time.Time
}

type sessionClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

type listenerEntry struct {
	id int
	fn Listener
}

// Local authenticates against the users table of the administrative store and
// issues signed session tokens. It is safe for concurrent use.
type Local struct {
	db     *database.DB
	tokens TokenStore
	cfg    Config
	logger *slog.Logger

	// emitMu orders session changes: the state change, its persistence and
	// its delivery to listeners complete before the next change starts.
	emitMu sync.Mutex

	mu        sync.Mutex
	restored  bool
	session   *models.Session
	expiry    *time.Timer
	listeners []listenerEntry
	nextID    int
}

var _ Provider = (*Local)(nil)

// NewLocal creates a provider over the admin store db.
func NewLocal(db *database.DB, tokens TokenStore, cfg Config) (*Local, error) {
	if len(cfg.SigningKey) == 0 {
		return nil, errors.New("auth signing key is not set")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	if cfg.BcryptCost == 0 {
		cfg.BcryptCost = bcrypt.DefaultCost
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Local{db: db, tokens: tokens, cfg: cfg, logger: logger}, nil
}

// CurrentSession returns the active session. On first call it restores the
// token persisted by a previous run.
func (l *Local) CurrentSession(ctx context.Context) (*models.Session, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.restored {
		l.restored = true
		l.restoreLocked()
	}
	if l.session == nil {
		return nil, nil
	}
	if l.session.Expired(l.cfg.Now()) {
		l.clearLocked()
		return nil, nil
	}
	s := *l.session
	return &s, nil
}

func (l *Local) restoreLocked() {
	token, err := l.tokens.Get(vault.KeySession)
	if errors.Is(err, vault.ErrNotFound) || token == "" {
		return
	}
	if err != nil {
		l.logger.Warn("failed to read persisted session", slog.String("error", err.Error()))
		return
	}
	s, err := l.parse(token)
	if err != nil {
		l.logger.Info("discarding persisted session", slog.String("error", err.Error()))
		if err := l.tokens.Remove(vault.KeySession); err != nil {
			l.logger.Warn("failed to remove persisted session", slog.String("error", err.Error()))
		}
		return
	}
	l.setLocked(s)
}

// OnSessionChange registers fn. Listeners run synchronously, in registration
// order, on the goroutine that caused the change. A listener must not sign in
// or out itself.
func (l *Local) OnSessionChange(fn Listener) func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.nextID++
	id := l.nextID
	l.listeners = append(l.listeners, listenerEntry{id: id, fn: fn})
	return func() {
		l.mu.Lock()
		defer l.mu.Unlock()
		for i, e := range l.listeners {
			if e.id == id {
				l.listeners = append(l.listeners[:i], l.listeners[i+1:]...)
				return
			}
		}
	}
}

// SignUp registers a new user and signs them in.
func (l *Local) SignUp(ctx context.Context, email, password string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	if len(password) < minPasswordLength {
		return &Error{Message: fmt.Sprintf("Password should be at least %d characters.", minPasswordLength)}
	}

	var existing string
	err = l.db.From("users").Select("id").Eq("email", email).Single(ctx, &existing)
	if err == nil {
		return &Error{Message: "User already registered"}
	}
	if !errors.Is(err, database.ErrNotFound) {
		return fmt.Errorf("failed to look up user: %w", err)
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), l.cfg.BcryptCost)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}
	userID := uuid.New().String()
	err = l.db.From("users").Insert(ctx, database.Record{
		"id":            userID,
		"email":         email,
		"password_hash": string(hash),
		"created_at":    l.cfg.Now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}
	l.logger.Info("user registered", slog.String("user_id", userID))
	return l.start(userID, email)
}

// SignIn checks the credentials and starts a session.
func (l *Local) SignIn(ctx context.Context, email, password string) error {
	email, err := normalizeEmail(email)
	if err != nil {
		return err
	}
	var userID, hash string
	err = l.db.From("users").Select("id", "password_hash").Eq("email", email).Single(ctx, &userID, &hash)
	if errors.Is(err, database.ErrNotFound) {
		return &Error{Message: "Invalid login credentials"}
	}
	if err != nil {
		return fmt.Errorf("failed to look up user: %w", err)
	}
	if err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)); err != nil {
		return &Error{Message: "Invalid login credentials"}
	}
	return l.start(userID, email)
}

// SignOut ends the active session. Signing out twice is not an error.
func (l *Local) SignOut(ctx context.Context) error {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.mu.Lock()
	wasActive := l.session != nil
	l.clearLocked()
	l.mu.Unlock()
	if wasActive {
		l.emit(nil)
	}
	return nil
}

// Refresh reissues the token of the active session with a new expiry.
func (l *Local) Refresh(ctx context.Context) error {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.mu.Lock()
	s := l.session
	l.mu.Unlock()
	if s == nil {
		return ErrNoSession
	}
	return l.startLocked(s.UserID, s.Email)
}

func (l *Local) start(userID, email string) error {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	return l.startLocked(userID, email)
}

// startLocked installs, persists and announces a new session. emitMu is held.
func (l *Local) startLocked(userID, email string) error {
	s, err := l.issue(userID, email)
	if err != nil {
		return err
	}
	l.mu.Lock()
	l.restored = true
	l.setLocked(s)
	l.mu.Unlock()
	if err := l.tokens.Set(vault.KeySession, s.AccessToken); err != nil {
		l.logger.Warn("failed to persist session", slog.String("error", err.Error()))
	}
	cp := *s
	l.emit(&cp)
	return nil
}

func (l *Local) setLocked(s *models.Session) {
	if l.expiry != nil {
		l.expiry.Stop()
	}
	l.session = s
	token := s.AccessToken
	l.expiry = time.AfterFunc(s.ExpiresAt.Sub(l.cfg.Now()), func() { l.expire(token) })
}

func (l *Local) clearLocked() {
	if l.expiry != nil {
		l.expiry.Stop()
		l.expiry = nil
	}
	l.session = nil
	if err := l.tokens.Remove(vault.KeySession); err != nil {
		l.logger.Warn("failed to remove persisted session", slog.String("error", err.Error()))
	}
}

func (l *Local) expire(token string) {
	l.emitMu.Lock()
	defer l.emitMu.Unlock()
	l.mu.Lock()
	if l.session == nil || l.session.AccessToken != token {
		l.mu.Unlock()
		return
	}
	l.clearLocked()
	l.mu.Unlock()
	l.logger.Info("session expired")
	l.emit(nil)
}

func (l *Local) emit(s *models.Session) {
	l.mu.Lock()
	listeners := make([]listenerEntry, len(l.listeners))
	copy(listeners, l.listeners)
	l.mu.Unlock()
	sort.Slice(listeners, func(i, j int) bool { return listeners[i].id < listeners[j].id })
	for _, e := range listeners {
		e.fn(s)
	}
}

func (l *Local) issue(userID, email string) (*models.Session, error) {
	now := l.cfg.Now()
	exp := now.Add(l.cfg.TokenTTL)
	claims := sessionClaims{
		Email: email,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.New().String(),
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(l.cfg.SigningKey)
	if err != nil {
		return nil, fmt.Errorf("failed to sign session token: %w", err)
	}
	return &models.Session{
		AccessToken: token,
		UserID:      userID,
		Email:       email,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

func (l *Local) parse(token string) (*models.Session, error) {
	var claims sessionClaims
	_, err := jwt.ParseWithClaims(token, &claims,
		func(*jwt.Token) (interface{}, error) { return l.cfg.SigningKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(l.cfg.Now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, err
	}
	return &models.Session{
		AccessToken: token,
		UserID:      claims.Subject,
		Email:       claims.Email,
		ExpiresAt:   claims.ExpiresAt.Time,
	}, nil
}

func normalizeEmail(email string) (string, error) {
	email = strings.ToLower(strings.TrimSpace(email))
	if _, err := mail.ParseAddress(email); err != nil {
		return "", &Error{Message: "Unable to validate email address: invalid format"}
	}
	return email, nil
}
