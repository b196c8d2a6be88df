package predictions

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"time"

	"github.com/liamcoop/predictions/internal/logger"
	"github.com/liamcoop/predictions/internal/metrics"
	"github.com/liamcoop/predictions/oracle"
	"github.com/liamcoop/predictions/schema"
	"github.com/liamcoop/predictions/store"
)

// Predictor derives output columns from validated input fields.
// *oracle.Oracle satisfies it.
type Predictor interface {
	Predict(values schema.Values) (oracle.Prediction, error)
	Schema() *schema.Schema
}

// Reserved query parameters on list requests; everything else is a column filter
const (
	paramLimit  = "limit"
	paramOffset = "offset"
)

// Service runs the request flow: validate, predict, persist.
// It owns no globals; the oracle and store are injected and outlive it.
type Service struct {
	predictor Predictor
	store     store.Store
	schema    *schema.Schema
}

// NewService wires a predictor to a store holding the same schema
func NewService(p Predictor, st store.Store) *Service {
	return &Service{
		predictor: p,
		store:     st,
		schema:    p.Schema(),
	}
}

// Schema returns the schema requests are validated against
func (s *Service) Schema() *schema.Schema {
	return s.schema
}

// Store returns the underlying store, for health checks
func (s *Service) Store() store.Store {
	return s.store
}

// PredictAndSave validates a decoded payload, runs the oracle and persists the record
func (s *Service) PredictAndSave(ctx context.Context, payload map[string]any) (*store.Record, error) {
	fields, err := s.schema.ValidateInput(payload)
	if err != nil {
		return nil, err
	}

	outputs, err := s.derive(fields)
	if err != nil {
		return nil, err
	}

	rec := &store.Record{Fields: fields, Outputs: outputs}
	if _, err := s.store.Insert(ctx, rec); err != nil {
		return nil, s.storeFailed("insert", err)
	}

	logger.Debug("prediction saved", "id", rec.ID, "table", s.schema.Table)
	return rec, nil
}

// Get returns one record
func (s *Service) Get(ctx context.Context, id int64) (*store.Record, error) {
	rec, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, s.storeFailed("get", err)
	}
	return rec, nil
}

// ParseQuery turns list query parameters into a store query. Unknown or unindexed
// filter columns are ErrInvalidColumn; malformed numbers are validation errors.
func (s *Service) ParseQuery(params url.Values) (store.Query, error) {
	var q store.Query

	if raw := params.Get(paramLimit); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 || n > store.MaxLimit {
			return q, &schema.ValidationError{Field: paramLimit, Message: fmt.Sprintf("limit must be an integer between 1 and %d", store.MaxLimit)}
		}
		q.Limit = n
	}
	if raw := params.Get(paramOffset); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			return q, &schema.ValidationError{Field: paramOffset, Message: "offset must be a non-negative integer"}
		}
		q.Offset = n
	}

	names := make([]string, 0, len(params))
	for name := range params {
		if name != paramLimit && name != paramOffset {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	for _, name := range names {
		if !s.schema.Indexed(name) {
			return q, fmt.Errorf("%w: cannot filter on %q", store.ErrInvalidColumn, name)
		}
		f, _ := s.schema.Column(name)
		v, err := schema.ParseFilter(f, params.Get(name))
		if err != nil {
			return q, err
		}
		if q.Filters == nil {
			q.Filters = make(schema.Values, len(names))
		}
		q.Filters[name] = v
	}

	return q, nil
}

// List returns a page of records, newest first
func (s *Service) List(ctx context.Context, q store.Query) ([]*store.Record, error) {
	recs, err := s.store.List(ctx, q)
	if err != nil {
		return nil, s.storeFailed("list", err)
	}
	return recs, nil
}

// ParseUpdate accepts either {"column": name, "new_value": v} or {"data": {...}}
// and returns the requested changes before any schema checks.
func ParseUpdate(payload map[string]any) (map[string]any, error) {
	column, hasColumn := payload["column"]
	newValue, hasValue := payload["new_value"]
	if hasColumn && hasValue {
		name, ok := column.(string)
		if !ok || name == "" {
			return nil, &schema.ValidationError{Field: "column", Message: "'column' must be a non-empty string"}
		}
		return map[string]any{name: newValue}, nil
	}

	if data, ok := payload["data"]; ok {
		changes, ok := data.(map[string]any)
		if !ok {
			return nil, &schema.ValidationError{Field: "data", Message: "'data' must be a JSON object"}
		}
		return changes, nil
	}

	return nil, &schema.ValidationError{Message: "Provide either 'column' and 'new_value', or 'data' object."}
}

// Update validates changes against the allow-list and types, then has the store
// merge them and re-derive the outputs through the oracle in one transaction.
func (s *Service) Update(ctx context.Context, id int64, changes map[string]any) (*store.Record, error) {
	values, err := s.schema.ValidateUpdate(changes)
	if err != nil {
		return nil, err
	}

	rec, err := s.store.Update(ctx, id, values, s.derive)
	if err != nil {
		return nil, s.storeFailed("update", err)
	}

	logger.Debug("record updated", "id", id, "columns", len(values))
	return rec, nil
}

// Delete removes one record
func (s *Service) Delete(ctx context.Context, id int64) error {
	if err := s.store.Delete(ctx, id); err != nil {
		return s.storeFailed("delete", err)
	}
	return nil
}

// Summary counts records grouped by an indexed column
func (s *Service) Summary(ctx context.Context, column string) ([]store.Bucket, error) {
	buckets, err := s.store.Count(ctx, column)
	if err != nil {
		return nil, s.storeFailed("count", err)
	}
	return buckets, nil
}

// derive runs the oracle and returns only the output columns
func (s *Service) derive(fields schema.Values) (schema.Values, error) {
	start := time.Now()
	p, err := s.predictor.Predict(fields)
	metrics.ObservePrediction(time.Since(start), err)
	if err != nil {
		return nil, err
	}
	return p.Outputs, nil
}

// storeFailed counts and logs storage errors; other errors pass through untouched
func (s *Service) storeFailed(op string, err error) error {
	var serr *store.StorageError
	if errors.As(err, &serr) {
		metrics.StoreError(op)
		logger.Error("store operation failed", "op", op, "error", err)
	}
	return err
}
