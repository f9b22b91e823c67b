// Package database is the remote store driver shared by the admin store and
// the per-user tenant stores. It opens sqlite, postgres and mysql stores behind
// one table-oriented query builder.
package database

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/stdlib"
	_ "modernc.org/sqlite"
)

//go:embed schema/*.sql
var schemaFS embed.FS

// ErrNotFound is returned by Single when no row matches.
var ErrNotFound = errors.New("database: no rows")

// DB is a lazily connected store handle.
type DB struct {
	db      *sql.DB
	dialect Dialect
	err     error
}

// Open returns a handle for rawURL without dialing it. key is merged into the
// connection as the password when the URL carries none.
//
// Accepted forms: sqlite://<dsn>, file:<dsn>, <path>.db, postgres://,
// postgresql:// and mysql://.
func Open(rawURL, key string) (*DB, error) {
	switch {
	case strings.HasPrefix(rawURL, "sqlite://"):
		return openSQLite(strings.TrimPrefix(rawURL, "sqlite://"))
	case strings.HasPrefix(rawURL, "file:"), strings.HasSuffix(rawURL, ".db"), rawURL == ":memory:":
		return openSQLite(rawURL)
	case strings.HasPrefix(rawURL, "postgres://"), strings.HasPrefix(rawURL, "postgresql://"):
		return openPostgres(rawURL, key)
	case strings.HasPrefix(rawURL, "mysql://"):
		return openMySQL(rawURL, key)
	default:
		return nil, fmt.Errorf("unsupported store url %q", redact(rawURL))
	}
}

// Failed returns a handle whose every operation fails with err.
func Failed(err error) *DB {
	return &DB{err: err}
}

func openSQLite(dsn string) (*DB, error) {
	if dsn == "" {
		return nil, errors.New("empty sqlite dsn")
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY under shared cache.
	db.SetMaxOpenConns(1)
	return &DB{db: db, dialect: sqliteDialect{}}, nil
}

func openPostgres(rawURL, key string) (*DB, error) {
	cfg, err := pgx.ParseConfig(rawURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing postgres url: %w", err)
	}
	if cfg.Password == "" {
		cfg.Password = key
	}
	return &DB{db: stdlib.OpenDB(*cfg), dialect: postgresDialect{}}, nil
}

func openMySQL(rawURL, key string) (*DB, error) {
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("error parsing mysql url: %w", err)
	}
	cfg := mysql.NewConfig()
	cfg.Net = "tcp"
	cfg.Addr = u.Host
	cfg.User = u.User.Username()
	cfg.Passwd = key
	if pass, ok := u.User.Password(); ok {
		cfg.Passwd = pass
	}
	cfg.DBName = strings.TrimPrefix(u.Path, "/")
	if q := u.Query(); len(q) > 0 {
		cfg.Params = make(map[string]string, len(q))
		for k := range q {
			cfg.Params[k] = q.Get(k)
		}
	}
	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("error configuring mysql: %w", err)
	}
	return &DB{db: sql.OpenDB(connector), dialect: mysqlDialect{}}, nil
}

// Dialect returns the SQL dialect of the store, nil for a failed handle.
func (d *DB) Dialect() Dialect {
	return d.dialect
}

// Err returns the error a failed handle was created with.
func (d *DB) Err() error {
	return d.err
}

// Ping verifies the store is reachable.
func (d *DB) Ping(ctx context.Context) error {
	if d.err != nil {
		return d.err
	}
	return d.db.PingContext(ctx)
}

// Close closes the underlying pool. In-flight queries finish first.
func (d *DB) Close() error {
	if d.db == nil {
		return nil
	}
	return d.db.Close()
}

// Migrate executes idempotent DDL statements.
func (d *DB) Migrate(ctx context.Context, statements []string) error {
	if d.err != nil {
		return d.err
	}
	for _, stmt := range d.dialect.PragmaStatements() {
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error executing %q: %w", stmt, err)
		}
	}
	for _, stmt := range statements {
		// mysql has no CREATE INDEX IF NOT EXISTS; primary keys cover its lookups.
		if d.dialect.Name() == "mysql" && strings.HasPrefix(stmt, "CREATE INDEX") {
			continue
		}
		if _, err := d.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("error executing schema: %w", err)
		}
	}
	return nil
}

// TenantSchema returns the DDL of a tenant store.
func TenantSchema() []string {
	return mustSchema("schema/tenant.sql")
}

// AdminSchema returns the DDL of the administrative store.
func AdminSchema() []string {
	return mustSchema("schema/admin.sql")
}

func mustSchema(name string) []string {
	b, err := schemaFS.ReadFile(name)
	if err != nil {
		panic(fmt.Sprintf("embedded schema %s: %v", name, err))
	}
	var out []string
	for _, stmt := range strings.Split(string(b), ";") {
		if stmt = strings.TrimSpace(stmt); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// redact strips credentials from a URL before it reaches logs or errors.
func redact(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil || u.User == nil {
		return rawURL
	}
	u.User = url.User(u.User.Username())
	return u.String()
}
