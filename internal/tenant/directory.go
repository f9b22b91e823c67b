// Package tenant binds an authenticated user to their own data store: the
// directory of per-user credentials, the client factory and the session binder
// that owns the current client.
package tenant

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/franckalain/nutrilog/internal/database"
	"github.com/franckalain/nutrilog/internal/models"
)

var (
	// ErrNotFound is returned by Lookup when the user never completed setup.
	ErrNotFound = errors.New("tenant: no credential for user")
	// ErrNotAuthenticated is returned by operations that need a signed-in user.
	ErrNotAuthenticated = errors.New("tenant: not authenticated")
)

// Directory maps a user id to the credential of their data store.
type Directory interface {
	Lookup(ctx context.Context, userID string) (models.TenantCredential, error)
	Upsert(ctx context.Context, userID string, cred models.TenantCredential) error
}

// AdminDirectory keeps credentials in the user_configs table of the admin store.
type AdminDirectory struct {
	db  *database.DB
	now func() time.Time
}

var _ Directory = (*AdminDirectory)(nil)

// NewAdminDirectory returns a directory over the admin store db.
func NewAdminDirectory(db *database.DB) *AdminDirectory {
	return &AdminDirectory{db: db, now: time.Now}
}

// Lookup returns the stored credential. A missing or incomplete row yields ErrNotFound.
func (d *AdminDirectory) Lookup(ctx context.Context, userID string) (models.TenantCredential, error) {
	var cred models.TenantCredential
	err := d.db.From("user_configs").
		Select("db_url", "db_anon_key").
		Eq("user_id", userID).
		Single(ctx, &cred.URL, &cred.Key)
	if errors.Is(err, database.ErrNotFound) {
		return models.TenantCredential{}, ErrNotFound
	}
	if err != nil {
		return models.TenantCredential{}, fmt.Errorf("failed to look up tenant of %s: %w", userID, err)
	}
	if !cred.Complete() {
		return models.TenantCredential{}, ErrNotFound
	}
	return cred, nil
}

// Upsert stores cred for userID, replacing any previous credential.
func (d *AdminDirectory) Upsert(ctx context.Context, userID string, cred models.TenantCredential) error {
	err := d.db.From("user_configs").Upsert(ctx, "user_id", database.Record{
		"user_id":     userID,
		"db_url":      cred.URL,
		"db_anon_key": cred.Key,
		"updated_at":  d.now().UnixMilli(),
	})
	if err != nil {
		return fmt.Errorf("failed to save tenant of %s: %w", userID, err)
	}
	return nil
}
