package oracle

import (
	"errors"
	"fmt"
	"math"

	"github.com/liamcoop/predictions/schema"
)

// ErrSchemaMismatch is returned when the values handed to Predict do not carry every
// feature the artifact was trained on, with the trained type.
var ErrSchemaMismatch = errors.New("schema mismatch")

// Prediction holds the derived output columns of one call, confidence columns included
type Prediction struct {
	Outputs schema.Values
}

// Oracle wraps a loaded artifact. It is immutable after New returns and safe for
// concurrent use without locking.
type Oracle struct {
	name     string
	schema   *schema.Schema
	heads    []*head
	features []schema.Field // union of the features used by every head
}

type head struct {
	def   Head
	model model
}

// model is implemented by each model kind
type model interface {
	predict(values schema.Values) (value any, confidence float64, err error)
	hasConfidence() bool
}

// New validates an artifact and compiles its models
func New(a Artifact) (*Oracle, error) {
	if len(a.Outputs) == 0 {
		return nil, &ArtifactLoadError{Err: errors.New("artifact declares no outputs")}
	}

	s, err := a.schemaFor()
	if err != nil {
		return nil, &ArtifactLoadError{Err: fmt.Errorf("invalid schema: %w", err)}
	}

	o := &Oracle{
		name:   a.Name,
		schema: s,
	}
	if o.name == "" {
		o.name = s.Table
	}

	used := make(map[string]bool)
	for _, h := range a.Outputs {
		m, err := buildModel(s, h)
		if err != nil {
			return nil, &ArtifactLoadError{Err: fmt.Errorf("output %q: %w", h.Name, err)}
		}
		if h.Confidence != "" && !m.hasConfidence() {
			return nil, &ArtifactLoadError{Err: fmt.Errorf("output %q: %s models do not expose a confidence", h.Name, h.Model.Kind)}
		}
		o.heads = append(o.heads, &head{def: h, model: m})

		for _, name := range featuresOf(s, h.Model) {
			used[name] = true
		}
	}

	for _, f := range s.Fields {
		if used[f.Name] {
			o.features = append(o.features, f)
		}
	}

	return o, nil
}

// Name identifies the artifact in logs and health output
func (o *Oracle) Name() string {
	return o.name
}

// Schema returns the table schema derived from the artifact
func (o *Oracle) Schema() *schema.Schema {
	return o.schema
}

// Heads lists the output columns in artifact order, with their model kinds
func (o *Oracle) Heads() map[string]string {
	out := make(map[string]string, len(o.heads))
	for _, h := range o.heads {
		out[h.def.Name] = h.def.Model.Kind
	}
	return out
}

// Predict runs every head against values. Missing or mistyped trained features fail
// with ErrSchemaMismatch before any model code runs.
func (o *Oracle) Predict(values schema.Values) (Prediction, error) {
	if err := o.checkFeatures(values); err != nil {
		return Prediction{}, err
	}

	outputs := make(schema.Values, len(o.schema.Outputs))
	for _, h := range o.heads {
		v, conf, err := h.model.predict(values)
		if err != nil {
			return Prediction{}, fmt.Errorf("output %q: %w", h.def.Name, err)
		}

		if !finite(v) || !finite(conf) {
			return Prediction{}, fmt.Errorf("%w: output %q is not a finite number for these inputs", ErrSchemaMismatch, h.def.Name)
		}

		v, err = convertOutput(h.def.Type, v)
		if err != nil {
			return Prediction{}, fmt.Errorf("output %q: %w", h.def.Name, err)
		}

		outputs[h.def.Name] = v
		if h.def.Confidence != "" {
			outputs[h.def.Confidence] = conf
		}
	}

	return Prediction{Outputs: outputs}, nil
}

func (o *Oracle) checkFeatures(values schema.Values) error {
	for _, f := range o.features {
		v, ok := values[f.Name]
		if !ok || v == nil {
			return fmt.Errorf("%w: missing feature %q", ErrSchemaMismatch, f.Name)
		}

		var typed bool
		switch f.Type {
		case schema.Integer:
			_, typed = v.(int64)
		case schema.Real:
			_, typed = v.(float64)
		case schema.Text:
			_, typed = v.(string)
		}
		if !typed {
			return fmt.Errorf("%w: feature %q must be %s, got %T", ErrSchemaMismatch, f.Name, f.Type, v)
		}
	}
	return nil
}

// finite is false for NaN and infinite floats; other values pass
func finite(v any) bool {
	x, ok := v.(float64)
	return !ok || (!math.IsNaN(x) && !math.IsInf(x, 0))
}

// convertOutput maps a raw model result onto the declared column type
func convertOutput(t schema.Type, v any) (any, error) {
	switch t {
	case schema.Integer:
		switch x := v.(type) {
		case int64:
			return x, nil
		case uint64:
			return int64(x), nil
		case float64:
			if x < math.MinInt64 || x >= math.MaxInt64 {
				return nil, fmt.Errorf("%w: %g does not fit an integer column", ErrSchemaMismatch, x)
			}
			return roundToInt(x), nil
		case bool:
			if x {
				return int64(1), nil
			}
			return int64(0), nil
		}
	case schema.Real:
		switch x := v.(type) {
		case float64:
			return x, nil
		case int64:
			return float64(x), nil
		case uint64:
			return float64(x), nil
		}
	case schema.Text:
		switch x := v.(type) {
		case string:
			return x, nil
		case int64:
			return fmt.Sprint(x), nil
		}
	}
	return nil, fmt.Errorf("model produced %T, cannot store as %s", v, t)
}
