package database

import (
	"fmt"
	"strings"
)

// Dialect captures the SQL differences between the supported stores.
type Dialect interface {
	// Name returns the dialect name (e.g., "sqlite", "postgres", "mysql")
	Name() string

	// Rebind converts ? placeholders to the dialect's format.
	Rebind(query string) string

	// UpsertClause returns the ON CONFLICT/ON DUPLICATE KEY clause for upserts
	UpsertClause(conflictColumn string, updateColumns []string) string

	// PragmaStatements returns per-connection initialization statements
	PragmaStatements() []string
}

type sqliteDialect struct{}

func (sqliteDialect) Name() string { return "sqlite" }

func (sqliteDialect) Rebind(query string) string { return query }

func (sqliteDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	return onConflict(conflictColumn, updateColumns)
}

func (sqliteDialect) PragmaStatements() []string {
	return []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
	}
}

type postgresDialect struct{}

func (postgresDialect) Name() string { return "postgres" }

func (postgresDialect) Rebind(query string) string {
	var b strings.Builder
	idx := 1
	for _, ch := range query {
		if ch == '?' {
			fmt.Fprintf(&b, "$%d", idx)
			idx++
			continue
		}
		b.WriteRune(ch)
	}
	return b.String()
}

func (postgresDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	return onConflict(conflictColumn, updateColumns)
}

func (postgresDialect) PragmaStatements() []string { return nil }

type mysqlDialect struct{}

func (mysqlDialect) Name() string { return "mysql" }

func (mysqlDialect) Rebind(query string) string { return query }

func (mysqlDialect) UpsertClause(conflictColumn string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON DUPLICATE KEY UPDATE %s=%s", conflictColumn, conflictColumn)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s=VALUES(%s)", col, col)
	}
	return "ON DUPLICATE KEY UPDATE " + strings.Join(updates, ", ")
}

func (mysqlDialect) PragmaStatements() []string { return nil }

func onConflict(conflictColumn string, updateColumns []string) string {
	if len(updateColumns) == 0 {
		return fmt.Sprintf("ON CONFLICT(%s) DO NOTHING", conflictColumn)
	}
	updates := make([]string, len(updateColumns))
	for i, col := range updateColumns {
		updates[i] = fmt.Sprintf("%s=excluded.%s", col, col)
	}
	return fmt.Sprintf("ON CONFLICT(%s) DO UPDATE SET %s", conflictColumn, strings.Join(updates, ", "))
}
