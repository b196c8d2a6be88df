package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/liamcoop/predictions/schema"

	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// DefaultTimeout bounds every store call when no timeout is configured
const DefaultTimeout = 5 * time.Second

// SQLStore implements Store over database/sql for SQLite and PostgreSQL
type SQLStore struct {
	db      *sql.DB
	dialect Dialect
	schema  *schema.Schema
	timeout time.Duration

	columns    []schema.Field // inputs then outputs, the order of every SELECT
	selectList string
	table      string
}

// NewSQLStore wraps an open database handle. The table is not created; call
// EnsureTable or run the generated migrations first.
func NewSQLStore(db *sql.DB, dialect Dialect, s *schema.Schema, timeout time.Duration) *SQLStore {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}

	cols := s.Columns()
	names := make([]string, 0, len(cols)+1)
	names = append(names, quoteIdent(schema.IDColumn))
	for _, c := range cols {
		names = append(names, quoteIdent(c.Name))
	}

	return &SQLStore{
		db:         db,
		dialect:    dialect,
		schema:     s,
		timeout:    timeout,
		columns:    cols,
		selectList: strings.Join(names, ", "),
		table:      quoteIdent(s.Table),
	}
}

// Open connects to the named driver. SQLite gets a single connection and a busy
// timeout so concurrent writers queue instead of failing with SQLITE_BUSY.
func Open(driver, dsn string, s *schema.Schema, timeout time.Duration) (*SQLStore, error) {
	dialect, err := DialectFor(driver)
	if err != nil {
		return nil, err
	}

	if dialect.Name == DriverSQLite {
		dsn = withBusyTimeout(dsn, timeout)
	}

	db, err := sql.Open(dialect.Name, dsn)
	if err != nil {
		return nil, storageErr("open", err)
	}

	if dialect.Name == DriverSQLite {
		db.SetMaxOpenConns(1)
		db.SetConnMaxLifetime(0)
	}

	st := NewSQLStore(db, dialect, s, timeout)

	ctx, cancel := context.WithTimeout(context.Background(), st.timeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, storageErr("connect", err)
	}

	return st, nil
}

func withBusyTimeout(dsn string, timeout time.Duration) string {
	if strings.Contains(dsn, "_busy_timeout") {
		return dsn
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	return fmt.Sprintf("%s%s_busy_timeout=%d", dsn, sep, timeout.Milliseconds())
}

// DB exposes the underlying handle for migrations and tests
func (s *SQLStore) DB() *sql.DB {
	return s.db
}

// EnsureTable creates the record table and its indexes if they do not exist
func (s *SQLStore) EnsureTable(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	stmts := append([]string{s.dialect.CreateTable(s.schema)}, s.dialect.CreateIndexes(s.schema)...)
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return storageErr("create table", err)
		}
	}
	return nil
}

// Insert writes every input and output column and returns the engine-assigned id
func (s *SQLStore) Insert(ctx context.Context, rec *Record) (int64, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	names := make([]string, len(s.columns))
	marks := make([]string, len(s.columns))
	args := make([]any, len(s.columns))
	for i, c := range s.columns {
		names[i] = quoteIdent(c.Name)
		marks[i] = s.dialect.placeholder(i + 1)
		args[i] = s.valueOf(rec, c.Name)
	}

	query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", s.table, strings.Join(names, ", "), strings.Join(marks, ", "))

	var id int64
	if s.dialect.returning {
		err := s.db.QueryRowContext(ctx, query+" RETURNING "+quoteIdent(schema.IDColumn), args...).Scan(&id)
		if err != nil {
			return 0, storageErr("insert", err)
		}
	} else {
		result, err := s.db.ExecContext(ctx, query, args...)
		if err != nil {
			return 0, storageErr("insert", err)
		}
		id, err = result.LastInsertId()
		if err != nil {
			return 0, storageErr("insert", fmt.Errorf("failed to get inserted id: %w", err))
		}
	}

	rec.ID = id
	return id, nil
}

// Get retrieves a record by identifier
func (s *SQLStore) Get(ctx context.Context, id int64) (*Record, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s",
		s.selectList, s.table, quoteIdent(schema.IDColumn), s.dialect.placeholder(1))

	rec, err := s.scanRecord(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("get", err)
	}
	return rec, nil
}

// List returns a page of records matching every filter, newest first
func (s *SQLStore) List(ctx context.Context, q Query) ([]*Record, error) {
	q, err := normalizeQuery(s.schema, q)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	names := make([]string, 0, len(q.Filters))
	for name := range q.Filters {
		names = append(names, name)
	}
	sort.Strings(names)

	var (
		where []string
		args  []any
	)
	for _, name := range names {
		args = append(args, q.Filters[name])
		where = append(where, fmt.Sprintf("%s = %s", quoteIdent(name), s.dialect.placeholder(len(args))))
	}

	var b strings.Builder
	fmt.Fprintf(&b, "SELECT %s FROM %s", s.selectList, s.table)
	if len(where) > 0 {
		b.WriteString(" WHERE " + strings.Join(where, " AND "))
	}
	args = append(args, q.Limit, q.Offset)
	fmt.Fprintf(&b, " ORDER BY %s DESC LIMIT %s OFFSET %s",
		quoteIdent(schema.IDColumn), s.dialect.placeholder(len(args)-1), s.dialect.placeholder(len(args)))

	rows, err := s.db.QueryContext(ctx, b.String(), args...)
	if err != nil {
		return nil, storageErr("list", err)
	}
	defer rows.Close()

	records := []*Record{}
	for rows.Next() {
		rec, err := s.scanRecord(rows)
		if err != nil {
			return nil, storageErr("list", fmt.Errorf("failed to scan record: %w", err))
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("list", fmt.Errorf("error iterating records: %w", err))
	}

	return records, nil
}

// Update reads the row, merges changes, re-derives the outputs and writes a single
// UPDATE, all inside one transaction. Nothing runs if a key is outside the allow-list.
func (s *SQLStore) Update(ctx context.Context, id int64, changes schema.Values, derive DeriveFunc) (*Record, error) {
	if err := checkUpdate(s.schema, changes); err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("update", err)
	}
	defer tx.Rollback()

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = %s%s",
		s.selectList, s.table, quoteIdent(schema.IDColumn), s.dialect.placeholder(1), s.dialect.lockRow)

	rec, err := s.scanRecord(tx.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, storageErr("update", err)
	}

	for k, v := range changes {
		rec.Fields[k] = v
	}

	if derive != nil {
		outputs, err := derive(rec.Fields.Clone())
		if err != nil {
			return nil, err
		}
		rec.Outputs = outputs.Clone()
	}

	// changed inputs plus every output column
	var (
		sets []string
		args []any
	)
	targets := make([]string, 0, len(changes))
	for k := range changes {
		targets = append(targets, k)
	}
	sort.Strings(targets)
	if derive != nil {
		for _, f := range s.schema.Outputs {
			targets = append(targets, f.Name)
		}
	}
	for _, name := range targets {
		args = append(args, s.valueOf(rec, name))
		sets = append(sets, fmt.Sprintf("%s = %s", quoteIdent(name), s.dialect.placeholder(len(args))))
	}
	args = append(args, id)

	stmt := fmt.Sprintf("UPDATE %s SET %s WHERE %s = %s",
		s.table, strings.Join(sets, ", "), quoteIdent(schema.IDColumn), s.dialect.placeholder(len(args)))

	result, err := tx.ExecContext(ctx, stmt, args...)
	if err != nil {
		return nil, storageErr("update", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return nil, storageErr("update", fmt.Errorf("failed to get rows affected: %w", err))
	}
	if affected == 0 {
		return nil, ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return nil, storageErr("update", err)
	}
	return rec, nil
}

// Delete removes a record from the table
func (s *SQLStore) Delete(ctx context.Context, id int64) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	query := fmt.Sprintf("DELETE FROM %s WHERE %s = %s", s.table, quoteIdent(schema.IDColumn), s.dialect.placeholder(1))

	result, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return storageErr("delete", err)
	}

	affected, err := result.RowsAffected()
	if err != nil {
		return storageErr("delete", fmt.Errorf("failed to get rows affected: %w", err))
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

// Count groups the table by an indexed column, nulls first then ascending
func (s *SQLStore) Count(ctx context.Context, column string) ([]Bucket, error) {
	if !s.schema.Indexed(column) {
		return nil, fmt.Errorf("%w: cannot summarise %q", ErrInvalidColumn, column)
	}
	f, _ := s.schema.Column(column)

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	col := quoteIdent(column)
	query := fmt.Sprintf("SELECT %s, COUNT(*) FROM %s GROUP BY %s ORDER BY %s IS NULL DESC, %s",
		col, s.table, col, col, col)

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, storageErr("count", err)
	}
	defer rows.Close()

	buckets := []Bucket{}
	for rows.Next() {
		dest := newScanTarget(f.Type)
		var n int64
		if err := rows.Scan(dest, &n); err != nil {
			return nil, storageErr("count", fmt.Errorf("failed to scan bucket: %w", err))
		}
		buckets = append(buckets, Bucket{Value: scannedValue(dest), Count: n})
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("count", err)
	}
	return buckets, nil
}

// Ping checks the database is reachable within the store timeout
func (s *SQLStore) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	if err := s.db.PingContext(ctx); err != nil {
		return storageErr("ping", err)
	}
	return nil
}

// Close closes the connection pool
func (s *SQLStore) Close() error {
	return s.db.Close()
}

func (s *SQLStore) valueOf(rec *Record, name string) any {
	if s.schema.IsOutput(name) {
		return rec.Outputs[name]
	}
	return rec.Fields[name]
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *SQLStore) scanRecord(row rowScanner) (*Record, error) {
	var id int64
	dest := make([]any, 0, len(s.columns)+1)
	dest = append(dest, &id)
	for _, c := range s.columns {
		dest = append(dest, newScanTarget(c.Type))
	}

	if err := row.Scan(dest...); err != nil {
		return nil, err
	}

	rec := &Record{
		ID:      id,
		Fields:  make(schema.Values, len(s.schema.Fields)),
		Outputs: make(schema.Values, len(s.schema.Outputs)),
	}
	for i, c := range s.columns {
		v := scannedValue(dest[i+1])
		if s.schema.IsOutput(c.Name) {
			rec.Outputs[c.Name] = v
		} else {
			rec.Fields[c.Name] = v
		}
	}
	return rec, nil
}

func newScanTarget(t schema.Type) any {
	switch t {
	case schema.Integer:
		return new(sql.NullInt64)
	case schema.Real:
		return new(sql.NullFloat64)
	default:
		return new(sql.NullString)
	}
}

// scannedValue converts a scan target back to a canonical value
func scannedValue(dest any) any {
	switch v := dest.(type) {
	case *sql.NullInt64:
		if v.Valid {
			return v.Int64
		}
	case *sql.NullFloat64:
		if v.Valid {
			return v.Float64
		}
	case *sql.NullString:
		if v.Valid {
			return v.String
		}
	}
	return nil
}
