package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var identPattern = regexp.MustCompile(`^[a-z_][a-z0-9_]*$`)

// Record is a row to write, keyed by column name.
type Record map[string]any

func (r Record) columns() []string {
	cols := make([]string, 0, len(r))
	for c := range r {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	return cols
}

type filter struct {
	column string
	op     string
	value  any
}

// Query is a single-table statement under construction. Builder methods
// mutate and return the receiver so calls can be chained.
type Query struct {
	db      *DB
	table   string
	columns []string
	filters []filter
	orderBy string
	asc     bool
	limit   int
}

// From starts a query against table.
func (d *DB) From(table string) *Query {
	return &Query{db: d, table: table}
}

// Select restricts the returned columns. Without it every column is returned.
func (q *Query) Select(columns ...string) *Query {
	q.columns = append(q.columns, columns...)
	return q
}

// Eq filters rows where column = value.
func (q *Query) Eq(column string, value any) *Query {
	q.filters = append(q.filters, filter{column: column, op: "=", value: value})
	return q
}

// Gte filters rows where column >= value.
func (q *Query) Gte(column string, value any) *Query {
	q.filters = append(q.filters, filter{column: column, op: ">=", value: value})
	return q
}

// Lte filters rows where column <= value.
func (q *Query) Lte(column string, value any) *Query {
	q.filters = append(q.filters, filter{column: column, op: "<=", value: value})
	return q
}

// Order sorts the result by column.
func (q *Query) Order(column string, ascending bool) *Query {
	q.orderBy = column
	q.asc = ascending
	return q
}

// Limit bounds the number of returned rows. Zero means unbounded.
func (q *Query) Limit(n int) *Query {
	q.limit = n
	return q
}

func (q *Query) check(extra ...string) error {
	if q.db.err != nil {
		return q.db.err
	}
	names := append([]string{q.table}, q.columns...)
	for _, f := range q.filters {
		names = append(names, f.column)
	}
	if q.orderBy != "" {
		names = append(names, q.orderBy)
	}
	names = append(names, extra...)
	for _, n := range names {
		if !identPattern.MatchString(n) {
			return fmt.Errorf("invalid identifier %q", n)
		}
	}
	return nil
}

func (q *Query) where() (string, []any) {
	if len(q.filters) == 0 {
		return "", nil
	}
	parts := make([]string, len(q.filters))
	args := make([]any, len(q.filters))
	for i, f := range q.filters {
		parts[i] = fmt.Sprintf("%s %s ?", f.column, f.op)
		args[i] = f.value
	}
	return " WHERE " + strings.Join(parts, " AND "), args
}

// SQL renders the select statement with dialect placeholders.
func (q *Query) SQL() (string, []any) {
	cols := "*"
	if len(q.columns) > 0 {
		cols = strings.Join(q.columns, ", ")
	}
	where, args := q.where()
	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s%s", cols, q.table, where)
	if q.orderBy != "" {
		dir := "DESC"
		if q.asc {
			dir = "ASC"
		}
		fmt.Fprintf(&b, " ORDER BY %s %s", q.orderBy, dir)
	}
	if q.limit > 0 {
		fmt.Fprintf(&b, " LIMIT %d", q.limit)
	}
	return q.rebind(b.String()), args
}

func (q *Query) rebind(s string) string {
	if q.db.dialect == nil {
		return s
	}
	return q.db.dialect.Rebind(s)
}

// Rows runs the select. The caller closes the returned rows.
func (q *Query) Rows(ctx context.Context) (*sql.Rows, error) {
	if err := q.check(); err != nil {
		return nil, err
	}
	query, args := q.SQL()
	return q.db.db.QueryContext(ctx, query, args...)
}

// Single scans the first matching row into dest, ErrNotFound when none match.
func (q *Query) Single(ctx context.Context, dest ...any) error {
	if err := q.check(); err != nil {
		return err
	}
	q.limit = 1
	query, args := q.SQL()
	err := q.db.db.QueryRowContext(ctx, query, args...).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// Insert writes rec as a new row.
func (q *Query) Insert(ctx context.Context, rec Record) error {
	cols := rec.columns()
	if err := q.check(cols...); err != nil {
		return err
	}
	query, args := q.insertSQL(cols, rec)
	_, err := q.db.db.ExecContext(ctx, q.rebind(query), args...)
	return err
}

// Upsert writes rec, overwriting the row that conflicts on conflictColumn.
func (q *Query) Upsert(ctx context.Context, conflictColumn string, rec Record) error {
	cols := rec.columns()
	if err := q.check(append(cols, conflictColumn)...); err != nil {
		return err
	}
	if _, ok := rec[conflictColumn]; !ok {
		return fmt.Errorf("upsert on %s: record has no %s", q.table, conflictColumn)
	}
	updates := make([]string, 0, len(cols)-1)
	for _, c := range cols {
		if c != conflictColumn {
			updates = append(updates, c)
		}
	}
	query, args := q.insertSQL(cols, rec)
	query += " " + q.db.dialect.UpsertClause(conflictColumn, updates)
	_, err := q.db.db.ExecContext(ctx, q.rebind(query), args...)
	return err
}

func (q *Query) insertSQL(cols []string, rec Record) (string, []any) {
	marks := make([]string, len(cols))
	args := make([]any, len(cols))
	for i, c := range cols {
		marks[i] = "?"
		args[i] = rec[c]
	}
	return fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)",
		q.table, strings.Join(cols, ", "), strings.Join(marks, ", ")), args
}

// Update sets the columns of rec on every row matching the filters and
// returns the number of affected rows.
func (q *Query) Update(ctx context.Context, rec Record) (int64, error) {
	cols := rec.columns()
	if err := q.check(cols...); err != nil {
		return 0, err
	}
	if len(q.filters) == 0 {
		return 0, fmt.Errorf("update on %s without filter", q.table)
	}
	if len(cols) == 0 {
		return 0, nil
	}
	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols)+len(q.filters))
	for i, c := range cols {
		sets[i] = c + " = ?"
		args = append(args, rec[c])
	}
	where, whereArgs := q.where()
	query := fmt.Sprintf("UPDATE %s SET %s%s", q.table, strings.Join(sets, ", "), where)
	res, err := q.db.db.ExecContext(ctx, q.rebind(query), append(args, whereArgs...)...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Delete removes every row matching the filters and returns how many went.
func (q *Query) Delete(ctx context.Context) (int64, error) {
	if err := q.check(); err != nil {
		return 0, err
	}
	if len(q.filters) == 0 {
		return 0, fmt.Errorf("delete on %s without filter", q.table)
	}
	where, args := q.where()
	res, err := q.db.db.ExecContext(ctx, q.rebind("DELETE FROM "+q.table+where), args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}
