package schema

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Values maps column names to canonical Go values: int64, float64, string or nil
type Values map[string]any

// Clone returns a shallow copy; the values themselves are immutable scalars
func (v Values) Clone() Values {
	if v == nil {
		return nil
	}
	out := make(Values, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out
}

// ErrInvalidColumn is returned when a write or filter names a column outside the
// static allow-list for that operation.
var ErrInvalidColumn = errors.New("invalid column")

// ValidationError describes a payload that does not conform to the schema
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Message
}

func invalidField(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DecodePayload reads a JSON object from r. Numbers are kept as json.Number so
// integer columns can tell 5000 apart from 5000.0.
func DecodePayload(r io.Reader) (map[string]any, error) {
	dec := json.NewDecoder(r)
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, &ValidationError{Message: "request body is empty"}
		}
		return nil, &ValidationError{Message: fmt.Sprintf("invalid JSON body: %v", err)}
	}

	payload, ok := raw.(map[string]any)
	if !ok {
		return nil, &ValidationError{Message: "request body must be a JSON object"}
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return nil, &ValidationError{Message: "request body must contain a single JSON object"}
	}
	return payload, nil
}

// DecodePayloadBytes is DecodePayload over an in-memory body
func DecodePayloadBytes(b []byte) (map[string]any, error) {
	return DecodePayload(bytes.NewReader(b))
}

// ValidateInput checks a predict payload: every required field present, no unknown
// fields, every value of the declared type. Output columns may not be supplied.
func (s *Schema) ValidateInput(payload map[string]any) (Values, error) {
	if payload == nil {
		return nil, &ValidationError{Message: "request body must be a JSON object"}
	}

	if unknown := s.unknownKeys(payload); len(unknown) > 0 {
		return nil, invalidField(unknown[0], "unknown fields: %s", strings.Join(unknown, ", "))
	}

	var missing []string
	for _, f := range s.Fields {
		if v, ok := payload[f.Name]; f.Required && (!ok || v == nil) {
			missing = append(missing, f.Name)
		}
	}
	if len(missing) > 0 {
		return nil, invalidField(missing[0], "missing required fields: %s", strings.Join(missing, ", "))
	}

	values := make(Values, len(s.Fields))
	for _, f := range s.Fields {
		raw, ok := payload[f.Name]
		if !ok {
			values[f.Name] = nil
			continue
		}
		v, err := Coerce(f, raw)
		if err != nil {
			return nil, err
		}
		values[f.Name] = v
	}

	return values, nil
}

// ValidateUpdate checks a partial update against the allow-list. The whole change
// set is rejected if any key is not updatable or any value has the wrong type.
func (s *Schema) ValidateUpdate(changes map[string]any) (Values, error) {
	if len(changes) == 0 {
		return nil, &ValidationError{Message: "no fields provided for update"}
	}

	keys := make([]string, 0, len(changes))
	for k := range changes {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, k := range keys {
		if !s.Updatable(k) {
			return nil, fmt.Errorf("%w: column %q is not updatable or does not exist", ErrInvalidColumn, k)
		}
	}

	values := make(Values, len(changes))
	for _, k := range keys {
		f, _ := s.Field(k)
		v, err := Coerce(f, changes[k])
		if err != nil {
			return nil, err
		}
		if v == nil && f.Required {
			return nil, invalidField(f.Name, "field %q is required and cannot be null", f.Name)
		}
		values[k] = v
	}

	return values, nil
}

// CheckValues verifies already-canonical values, as read back from storage or
// produced by a merge, against the declared types.
func (s *Schema) CheckValues(values Values) error {
	for _, f := range s.Fields {
		v, ok := values[f.Name]
		if !ok || v == nil {
			if f.Required {
				return invalidField(f.Name, "missing required fields: %s", f.Name)
			}
			continue
		}
		if !hasType(f.Type, v) {
			return invalidField(f.Name, "field %q must be %s, got %T", f.Name, article(f.Type), v)
		}
	}
	return nil
}

func (s *Schema) unknownKeys(payload map[string]any) []string {
	var unknown []string
	for k := range payload {
		if _, ok := s.Field(k); !ok {
			unknown = append(unknown, k)
		}
	}
	sort.Strings(unknown)
	return unknown
}

// Coerce converts a decoded JSON (or YAML) value to the canonical Go type of f.
// Integer fields reject fractional numbers and strings; real fields accept any number.
func Coerce(f Field, raw any) (any, error) {
	if raw == nil {
		return nil, nil
	}

	switch f.Type {
	case Integer:
		switch v := raw.(type) {
		case json.Number:
			if strings.ContainsAny(v.String(), ".eE") {
				return nil, invalidField(f.Name, "field %q must be an integer", f.Name)
			}
			n, err := v.Int64()
			if err != nil {
				return nil, invalidField(f.Name, "field %q must be an integer", f.Name)
			}
			return n, nil
		case int:
			return int64(v), nil
		case int32:
			return int64(v), nil
		case int64:
			return v, nil
		default:
			return nil, invalidField(f.Name, "field %q must be an integer", f.Name)
		}

	case Real:
		switch v := raw.(type) {
		case json.Number:
			x, err := v.Float64()
			if err != nil || math.IsInf(x, 0) || math.IsNaN(x) {
				return nil, invalidField(f.Name, "field %q must be a number", f.Name)
			}
			return x, nil
		case float64:
			return v, nil
		case float32:
			return float64(v), nil
		case int:
			return float64(v), nil
		case int64:
			return float64(v), nil
		default:
			return nil, invalidField(f.Name, "field %q must be a number", f.Name)
		}

	case Text:
		if v, ok := raw.(string); ok {
			return v, nil
		}
		return nil, invalidField(f.Name, "field %q must be a string", f.Name)
	}

	return nil, invalidField(f.Name, "field %q has unsupported type %q", f.Name, f.Type)
}

// ParseFilter converts a query-string value for column f
func ParseFilter(f Field, raw string) (any, error) {
	switch f.Type {
	case Integer:
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return nil, invalidField(f.Name, "filter %q must be an integer", f.Name)
		}
		return n, nil
	case Real:
		x, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return nil, invalidField(f.Name, "filter %q must be a number", f.Name)
		}
		return x, nil
	default:
		return raw, nil
	}
}

func hasType(t Type, v any) bool {
	switch t {
	case Integer:
		_, ok := v.(int64)
		return ok
	case Real:
		_, ok := v.(float64)
		return ok
	case Text:
		_, ok := v.(string)
		return ok
	}
	return false
}

func article(t Type) string {
	switch t {
	case Integer:
		return "an integer"
	case Real:
		return "a number"
	default:
		return "a string"
	}
}
