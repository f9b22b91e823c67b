package tenant

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/franckalain/nutrilog/internal/database"
	"github.com/franckalain/nutrilog/internal/models"
)

// Client is a data connection to one tenant store. It holds no auth state.
type Client struct {
	db   *database.DB
	cred models.TenantCredential

	mu    sync.Mutex
	ready bool
}

// Table returns a query against table, creating the tenant schema on first use.
func (c *Client) Table(ctx context.Context, table string) (*database.Query, error) {
	if err := c.ensureSchema(ctx); err != nil {
		return nil, err
	}
	return c.db.From(table), nil
}

func (c *Client) ensureSchema(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ready {
		return nil
	}
	if err := c.db.Migrate(ctx, database.TenantSchema()); err != nil {
		return fmt.Errorf("failed to prepare tenant store: %w", err)
	}
	c.ready = true
	return nil
}

// Credential returns the credential the client was built from.
func (c *Client) Credential() models.TenantCredential {
	return c.cred
}

// Close releases the connection pool. A nil client is a no-op.
func (c *Client) Close() error {
	if c == nil {
		return nil
	}
	return c.db.Close()
}

// Builder constructs tenant clients.
type Builder interface {
	Build(cred models.TenantCredential) *Client
}

// Factory builds clients over database.Open.
type Factory struct {
	logger *slog.Logger
}

// NewFactory returns a Factory. A nil logger uses slog.Default.
func NewFactory(logger *slog.Logger) *Factory {
	if logger == nil {
		logger = slog.Default()
	}
	return &Factory{logger: logger}
}

// Build never dials. An unusable credential yields a client whose every
// query fails with the open error.
func (f *Factory) Build(cred models.TenantCredential) *Client {
	db, err := database.Open(cred.URL, cred.Key)
	if err != nil {
		f.logger.Warn("tenant credential unusable", slog.String("error", err.Error()))
		db = database.Failed(err)
	}
	return &Client{db: db, cred: cred}
}
