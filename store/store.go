package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/liamcoop/predictions/schema"
)

const (
	// DefaultLimit is the page size used when a list query does not set one
	DefaultLimit = 100
	// MaxLimit caps the page size of a single list query
	MaxLimit = 1000
)

var (
	// ErrNotFound is returned when no record has the requested identifier
	ErrNotFound = errors.New("record not found")

	// ErrInvalidColumn is returned when a filter, update or summary names a column
	// outside the static allow-list for that operation
	ErrInvalidColumn = schema.ErrInvalidColumn
)

// StorageError wraps engine failures: driver errors, lost connections, timeouts
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage error during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// Record is one persisted prediction request and its derived outputs
type Record struct {
	ID      int64
	Fields  schema.Values
	Outputs schema.Values
}

// Clone returns a copy that shares no maps with r
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	return &Record{ID: r.ID, Fields: r.Fields.Clone(), Outputs: r.Outputs.Clone()}
}

// MarshalJSON renders the record as one flat object keyed by column name
func (r *Record) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(r.Fields)+len(r.Outputs)+1)
	for k, v := range r.Fields {
		flat[k] = v
	}
	for k, v := range r.Outputs {
		flat[k] = v
	}
	flat[schema.IDColumn] = r.ID
	return json.Marshal(flat)
}

// Query selects a page of records. Filters are an exact-match conjunction over
// indexed columns; values must already be canonical.
type Query struct {
	Filters schema.Values
	Limit   int
	Offset  int
}

// Bucket is one group of a summary count
type Bucket struct {
	Value any   `json:"value"`
	Count int64 `json:"count"`
}

// DeriveFunc recomputes the output columns from a full set of input fields
type DeriveFunc func(fields schema.Values) (schema.Values, error)

// Store persists prediction records in a single table
type Store interface {
	// Insert assigns the next identifier and persists the record
	Insert(ctx context.Context, rec *Record) (int64, error)

	// Get retrieves a record by identifier
	Get(ctx context.Context, id int64) (*Record, error)

	// List returns records matching q, newest first
	List(ctx context.Context, q Query) ([]*Record, error)

	// Update applies allow-listed changes and re-derives the outputs atomically
	Update(ctx context.Context, id int64, changes schema.Values, derive DeriveFunc) (*Record, error)

	// Delete removes a record
	Delete(ctx context.Context, id int64) error

	// Count groups records by an indexed column
	Count(ctx context.Context, column string) ([]Bucket, error)

	// Ping checks the engine is reachable
	Ping(ctx context.Context) error

	// Close releases the engine
	Close() error
}

// normalizeQuery applies the page defaults and checks every filter column is indexed
func normalizeQuery(s *schema.Schema, q Query) (Query, error) {
	for name := range q.Filters {
		if !s.Indexed(name) {
			return q, fmt.Errorf("%w: cannot filter on %q", ErrInvalidColumn, name)
		}
	}
	if q.Limit <= 0 {
		q.Limit = DefaultLimit
	}
	if q.Limit > MaxLimit {
		q.Limit = MaxLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	return q, nil
}

// checkUpdate rejects the whole change set if any key is outside the allow-list
func checkUpdate(s *schema.Schema, changes schema.Values) error {
	if len(changes) == 0 {
		return &schema.ValidationError{Message: "no fields provided for update"}
	}
	for name := range changes {
		if !s.Updatable(name) {
			return fmt.Errorf("%w: column %q is not updatable or does not exist", ErrInvalidColumn, name)
		}
	}
	return nil
}

// InMemoryStore implements Store using a map guarded by a RWMutex
type InMemoryStore struct {
	schema  *schema.Schema
	records map[int64]*Record
	nextID  int64
	mu      sync.RWMutex
}

// NewInMemoryStore creates an empty in-memory store for the given schema
func NewInMemoryStore(s *schema.Schema) *InMemoryStore {
	return &InMemoryStore{
		schema:  s,
		records: make(map[int64]*Record),
	}
}

// Insert stores a copy of rec under the next identifier and sets rec.ID
func (s *InMemoryStore) Insert(ctx context.Context, rec *Record) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, storageErr("insert", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	rec.ID = s.nextID
	s.records[rec.ID] = rec.Clone()
	return rec.ID, nil
}

// Get returns a copy of the record with the given identifier
func (s *InMemoryStore) Get(ctx context.Context, id int64) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("get", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	rec, exists := s.records[id]
	if !exists {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// List filters, sorts by identifier descending and pages
func (s *InMemoryStore) List(ctx context.Context, q Query) ([]*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, storageErr("list", err)
	}

	q, err := normalizeQuery(s.schema, q)
	if err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*Record, 0, len(s.records))
	for _, rec := range s.records {
		if matches(rec, q.Filters) {
			matched = append(matched, rec)
		}
	}
	sort.Slice(matched, func(i, j int) bool { return matched[i].ID > matched[j].ID })

	if q.Offset >= len(matched) {
		return []*Record{}, nil
	}
	matched = matched[q.Offset:]
	if len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}

	out := make([]*Record, len(matched))
	for i, rec := range matched {
		out[i] = rec.Clone()
	}
	return out, nil
}

func matches(rec *Record, filters schema.Values) bool {
	for name, want := range filters {
		got, ok := rec.Fields[name]
		if !ok {
			got = rec.Outputs[name]
		}
		if got != want {
			return false
		}
	}
	return true
}

// Update validates the change set, merges it, re-derives outputs and swaps the record
// while holding the write lock.
func (s *InMemoryStore) Update(ctx context.Context, id int64, changes schema.Values, derive DeriveFunc) (*Record, error) {
	if err := checkUpdate(s.schema, changes); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("update", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	existing, exists := s.records[id]
	if !exists {
		return nil, ErrNotFound
	}

	updated := existing.Clone()
	for k, v := range changes {
		updated.Fields[k] = v
	}

	if derive != nil {
		outputs, err := derive(updated.Fields.Clone())
		if err != nil {
			return nil, err
		}
		updated.Outputs = outputs.Clone()
	}

	s.records[id] = updated
	return updated.Clone(), nil
}

// Delete removes a record
func (s *InMemoryStore) Delete(ctx context.Context, id int64) error {
	if err := ctx.Err(); err != nil {
		return storageErr("delete", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[id]; !exists {
		return ErrNotFound
	}

	delete(s.records, id)
	return nil
}

// Count groups records by an indexed column. Buckets are ordered by value, nulls first.
func (s *InMemoryStore) Count(ctx context.Context, column string) ([]Bucket, error) {
	if !s.schema.Indexed(column) {
		return nil, fmt.Errorf("%w: cannot summarise %q", ErrInvalidColumn, column)
	}
	if err := ctx.Err(); err != nil {
		return nil, storageErr("count", err)
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	counts := make(map[any]int64)
	for _, rec := range s.records {
		v, ok := rec.Fields[column]
		if !ok {
			v = rec.Outputs[column]
		}
		counts[v]++
	}

	buckets := make([]Bucket, 0, len(counts))
	for v, n := range counts {
		buckets = append(buckets, Bucket{Value: v, Count: n})
	}
	sort.Slice(buckets, func(i, j int) bool { return lessValue(buckets[i].Value, buckets[j].Value) })
	return buckets, nil
}

// Ping always succeeds
func (s *InMemoryStore) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Close is a no-op
func (s *InMemoryStore) Close() error {
	return nil
}

func lessValue(a, b any) bool {
	if a == nil {
		return b != nil
	}
	if b == nil {
		return false
	}
	switch x := a.(type) {
	case int64:
		if y, ok := b.(int64); ok {
			return x < y
		}
	case float64:
		if y, ok := b.(float64); ok {
			return x < y
		}
	case string:
		if y, ok := b.(string); ok {
			return x < y
		}
	}
	return fmt.Sprint(a) < fmt.Sprint(b)
}
