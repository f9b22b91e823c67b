// Package vault is the local secret store: the AI service key, the persisted
// auth session and any other per-install secrets. Values live in an embedded
// badger database and are never synced anywhere.
package vault

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/awnumar/memguard"
	"github.com/dgraph-io/badger/v4"
)

// Well-known keys.
const (
	KeyAIKey   = "gemini_api_key"
	KeySession = "session"
)

// ErrNotFound is returned by Get for a key that was never set or was removed.
var ErrNotFound = errors.New("vault: key not found")

// Config holds the vault settings.
type Config struct {
	// Path is the badger directory. Ignored when InMemory is true.
	Path string
	// Scope namespaces every key, so several installs can share a directory.
	Scope    string
	InMemory bool
	Logger   *slog.Logger
}

// Vault is a scoped key-value secret store. It is safe for concurrent use.
type Vault struct {
	db     *badger.DB
	scope  string
	logger *slog.Logger

	mu    sync.Mutex
	cache map[string]*memguard.Enclave
}

// badgerLogger adapts slog.Logger to badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Open opens or creates the vault described by cfg.
func Open(cfg Config) (*Vault, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("vault path is required")
	}

	var opts badger.Options
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if err := os.MkdirAll(cfg.Path, 0700); err != nil {
			return nil, fmt.Errorf("create vault directory %s: %w", cfg.Path, err)
		}
		opts = badger.DefaultOptions(cfg.Path).WithSyncWrites(true)
	}
	opts = opts.WithNumVersionsToKeep(1).WithLogger(&badgerLogger{logger: logger})

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open vault: %w", err)
	}
	return &Vault{
		db:     db,
		scope:  cfg.Scope,
		logger: logger,
		cache:  make(map[string]*memguard.Enclave),
	}, nil
}

func (v *Vault) key(k string) []byte {
	if v.scope == "" {
		return []byte(k)
	}
	return []byte(v.scope + ":" + k)
}

// Get returns the value stored under key.
func (v *Vault) Get(key string) (string, error) {
	v.mu.Lock()
	enclave, ok := v.cache[key]
	v.mu.Unlock()
	if ok {
		buf, err := enclave.Open()
		if err == nil {
			// Copy out before Destroy frees the locked memory.
			value := string(buf.Bytes())
			buf.Destroy()
			return value, nil
		}
		v.logger.Warn("vault cache entry unreadable", slog.String("key", key), slog.String("error", err.Error()))
	}

	var value []byte
	err := v.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(v.key(key))
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("vault get %s: %w", key, err)
	}
	s := string(value)
	v.seal(key, value)
	return s, nil
}

// Set stores value under key, replacing any previous value.
func (v *Vault) Set(key, value string) error {
	err := v.db.Update(func(txn *badger.Txn) error {
		return txn.Set(v.key(key), []byte(value))
	})
	if err != nil {
		return fmt.Errorf("vault set %s: %w", key, err)
	}
	v.seal(key, []byte(value))
	return nil
}

// Remove deletes key. Removing a missing key is not an error.
func (v *Vault) Remove(key string) error {
	v.mu.Lock()
	delete(v.cache, key)
	v.mu.Unlock()
	err := v.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(v.key(key))
	})
	if err != nil {
		return fmt.Errorf("vault remove %s: %w", key, err)
	}
	return nil
}

// seal caches b in an enclave. b is wiped. An empty value drops the cached one.
func (v *Vault) seal(key string, b []byte) {
	if len(b) == 0 {
		v.mu.Lock()
		delete(v.cache, key)
		v.mu.Unlock()
		return
	}
	enclave := memguard.NewEnclave(b)
	v.mu.Lock()
	v.cache[key] = enclave
	v.mu.Unlock()
}

// Close flushes and closes the underlying store.
func (v *Vault) Close() error {
	v.mu.Lock()
	v.cache = make(map[string]*memguard.Enclave)
	v.mu.Unlock()
	return v.db.Close()
}
