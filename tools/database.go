/*
Package tools implements the SQL toolkit of the agent: listing tables,
describing their schema, validating and running read-only queries against a
SQLite database.
*/
package tools

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	_ "modernc.org/sqlite"
)

// DriverName is the database/sql driver registered by modernc.org/sqlite.
const DriverName = "sqlite"

// Dialect is the SQL dialect the agent is told to write.
const Dialect = "SQLite"

// ErrNotReadOnly is returned for statements other than a single SELECT or WITH query.
var ErrNotReadOnly = errors.New("only a single read-only SELECT statement is allowed")

var dbLogger = logrus.WithField("component", "database")

// Database is the read-only view of a SQLite database the tools work on.
type Database struct {
	db         *sql.DB
	sampleRows int // rows shown with each table schema
	rowLimit   int // rows returned by one query
}

// Open opens the SQLite file at path read-only.
func Open(path string, sampleRows, rowLimit int) (*Database, error) {
	dsn := fmt.Sprintf("file:%s?mode=ro&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open(DriverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %s: %w", path, err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping database %s: %w", path, err)
	}
	dbLogger.WithField("path", path).Info("Database opened")
	return NewDatabase(db, sampleRows, rowLimit), nil
}

// NewDatabase wraps an open handle.
func NewDatabase(db *sql.DB, sampleRows, rowLimit int) *Database {
	if rowLimit <= 0 {
		rowLimit = 100
	}
	return &Database{db: db, sampleRows: max(sampleRows, 0), rowLimit: rowLimit}
}

// Close releases the handle.
func (d *Database) Close() error {
	return d.db.Close()
}

// Ping checks that the database is reachable.
func (d *Database) Ping(ctx context.Context) error {
	return d.db.PingContext(ctx)
}

// Tables lists the user tables, sorted by name.
func (d *Database) Tables(ctx context.Context) ([]string, error) {
	rows, err := d.db.QueryContext(ctx,
		`SELECT name FROM sqlite_master WHERE type = 'table' AND name NOT LIKE 'sqlite_%' ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("list tables: %w", err)
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, fmt.Errorf("list tables: %w", err)
		}
		tables = append(tables, name)
	}
	return tables, rows.Err()
}

// TableInfo returns the CREATE statement of each named table followed by a
// few sample rows.
func (d *Database) TableInfo(ctx context.Context, names []string) (string, error) {
	known, err := d.Tables(ctx)
	if err != nil {
		return "", err
	}
	var missing []string
	for _, name := range names {
		if !slices.Contains(known, name) {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return "", fmt.Errorf("table_names %v not found in database", missing)
	}

	var b strings.Builder
	for i, name := range names {
		var ddl string
		err := d.db.QueryRowContext(ctx,
			`SELECT sql FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&ddl)
		if err != nil {
			return "", fmt.Errorf("schema of %s: %w", name, err)
		}
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(strings.TrimSpace(ddl))

		if d.sampleRows > 0 {
			columns, rows, err := d.fetch(ctx, fmt.Sprintf("SELECT * FROM %s LIMIT %d", quoteIdent(name), d.sampleRows), d.sampleRows)
			if err != nil {
				return "", fmt.Errorf("sample rows of %s: %w", name, err)
			}
			fmt.Fprintf(&b, "\n\n/*\n%d rows from %s table:\n", len(rows), name)
			b.WriteString(strings.Join(columns, "\t"))
			for _, row := range rows {
				b.WriteString("\n")
				b.WriteString(strings.Join(row, "\t"))
			}
			b.WriteString("\n*/")
		}
	}
	return b.String(), nil
}

// Result is the outcome of a read-only query.
type Result struct {
	Columns   []string
	Rows      [][]string
	Truncated bool // more rows existed than the row limit
}

// String renders r as a "|"-separated table with a header line.
func (r Result) String() string {
	if len(r.Rows) == 0 {
		return ""
	}
	var b strings.Builder
	b.WriteString(strings.Join(r.Columns, " | "))
	for _, row := range r.Rows {
		b.WriteString("\n")
		b.WriteString(strings.Join(row, " | "))
	}
	if r.Truncated {
		fmt.Fprintf(&b, "\n... (truncated to %d rows)", len(r.Rows))
	}
	return b.String()
}

// Query runs a read-only query and returns at most the configured number of rows.
func (d *Database) Query(ctx context.Context, query string) (Result, error) {
	query, err := ReadOnly(query)
	if err != nil {
		return Result{}, err
	}
	columns, rows, err := d.fetch(ctx, query, d.rowLimit+1)
	if err != nil {
		return Result{}, err
	}
	res := Result{Columns: columns, Rows: rows}
	if len(rows) > d.rowLimit {
		res.Rows = rows[:d.rowLimit]
		res.Truncated = true
	}
	return res, nil
}

// Explain validates query without running it and returns its query plan.
func (d *Database) Explain(ctx context.Context, query string) ([]string, error) {
	query, err := ReadOnly(query)
	if err != nil {
		return nil, err
	}
	columns, rows, err := d.fetch(ctx, "EXPLAIN QUERY PLAN "+query, 0)
	if err != nil {
		return nil, err
	}
	detail := len(columns) - 1 // id, parent, notused, detail
	plan := make([]string, 0, len(rows))
	for _, row := range rows {
		plan = append(plan, row[detail])
	}
	return plan, nil
}

// fetch runs query and stringifies up to limit rows; limit <= 0 means all.
func (d *Database) fetch(ctx context.Context, query string, limit int) ([]string, [][]string, error) {
	rows, err := d.db.QueryContext(ctx, query)
	if err != nil {
		return nil, nil, err
	}
	defer rows.Close()

	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, err
	}

	var out [][]string
	values := make([]any, len(columns))
	ptrs := make([]any, len(columns))
	for i := range values {
		ptrs[i] = &values[i]
	}
	for rows.Next() {
		if limit > 0 && len(out) >= limit {
			break
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, nil, err
		}
		row := make([]string, len(values))
		for i, v := range values {
			row[i] = formatValue(v)
		}
		out = append(out, row)
	}
	return columns, out, rows.Err()
}

func formatValue(v any) string {
	switch v := v.(type) {
	case nil:
		return "NULL"
	case []byte:
		return string(v)
	case time.Time:
		return v.Format(time.RFC3339)
	case float64:
		return fmt.Sprintf("%g", v)
	}
	return fmt.Sprint(v)
}

func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

var (
	lineComment  = regexp.MustCompile(`--[^\n]*`)
	blockComment = regexp.MustCompile(`(?s)/\*.*?\*/`)
	leadingWord  = regexp.MustCompile(`^(?i)(SELECT|WITH)\b`)
	writeWord    = regexp.MustCompile(`(?i)\b(INSERT|UPDATE|DELETE|DROP|ALTER|CREATE|ATTACH|DETACH|PRAGMA|VACUUM|REINDEX)\b`)
)

// ReadOnly normalises query and rejects anything but one SELECT or WITH
// statement. String literals are ignored when looking for write keywords.
func ReadOnly(query string) (string, error) {
	q := CleanInput(query)
	q = strings.TrimSpace(strings.TrimRight(strings.TrimSpace(q), ";"))
	stripped := strings.TrimSpace(blockComment.ReplaceAllString(lineComment.ReplaceAllString(q, ""), ""))

	switch {
	case stripped == "":
		return "", fmt.Errorf("%w: empty query", ErrNotReadOnly)
	case strings.Contains(withoutLiterals(stripped), ";"):
		return "", fmt.Errorf("%w: multiple statements", ErrNotReadOnly)
	case !leadingWord.MatchString(stripped):
		return "", ErrNotReadOnly
	case writeWord.MatchString(withoutLiterals(stripped)):
		return "", ErrNotReadOnly
	}
	return q, nil
}

var stringLiteral = regexp.MustCompile(`'(?:[^']|'')*'`)

func withoutLiterals(q string) string {
	return stringLiteral.ReplaceAllString(q, "''")
}

// CleanInput strips the quoting and code fences models wrap tool input in.
func CleanInput(input string) string {
	s := strings.TrimSpace(input)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimPrefix(strings.TrimPrefix(s, "sqlite"), "sql")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	}
	s = strings.TrimSpace(s)
	for _, q := range []string{`"`, "`"} {
		if len(s) >= 2 && strings.HasPrefix(s, q) && strings.HasSuffix(s, q) {
			s = s[1 : len(s)-1]
		}
	}
	return strings.TrimSpace(s)
}
