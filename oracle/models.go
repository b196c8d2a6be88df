package oracle

import (
	"errors"
	"fmt"
	"math"

	"github.com/liamcoop/predictions/schema"
	"gonum.org/v1/gonum/floats"
)

func buildModel(s *schema.Schema, h Head) (model, error) {
	if h.Model.Kind == KindExpression {
		return newExpressionModel(s, h)
	}

	fz, err := newFeaturizer(s, h.Model)
	if err != nil {
		return nil, err
	}
	def := h.Model
	n := len(fz.fields)

	switch def.Kind {
	case KindLinear:
		if len(def.Coefficients) != n {
			return nil, fmt.Errorf("linear model has %d coefficients for %d features", len(def.Coefficients), n)
		}
		return &linearModel{fz: fz, coef: def.Coefficients, intercept: def.Intercept}, nil

	case KindLogistic:
		if len(def.Coefficients) != n {
			return nil, fmt.Errorf("logistic model has %d coefficients for %d features", len(def.Coefficients), n)
		}
		threshold := 0.5
		if def.Threshold != nil {
			threshold = *def.Threshold
		}
		if threshold <= 0 || threshold >= 1 {
			return nil, fmt.Errorf("logistic threshold %v must be in (0, 1)", threshold)
		}
		labels := [2]int64{0, 1}
		switch len(def.Labels) {
		case 0:
		case 2:
			labels = [2]int64{def.Labels[0], def.Labels[1]}
		default:
			return nil, fmt.Errorf("logistic model needs exactly 2 labels, got %d", len(def.Labels))
		}
		return &logisticModel{fz: fz, coef: def.Coefficients, intercept: def.Intercept, threshold: threshold, labels: labels}, nil

	case KindKMeans:
		if len(def.Centroids) == 0 {
			return nil, errors.New("kmeans model has no centroids")
		}
		for i, c := range def.Centroids {
			if len(c) != n {
				return nil, fmt.Errorf("centroid %d has %d dimensions for %d features", i, len(c), n)
			}
		}
		return &kmeansModel{fz: fz, centroids: def.Centroids}, nil

	case KindTree:
		if err := validateTree(def.Nodes, n); err != nil {
			return nil, err
		}
		return &treeModel{fz: fz, nodes: def.Nodes}, nil

	case "":
		return nil, errors.New("model kind is required")
	}

	return nil, fmt.Errorf("unsupported model kind %q", def.Kind)
}

// featuresOf lists the input fields a model reads
func featuresOf(s *schema.Schema, def ModelSpec) []string {
	if len(def.Features) > 0 {
		return def.Features
	}
	if def.Kind != KindExpression {
		return nil
	}
	var names []string
	for _, f := range s.Fields {
		if f.Required {
			names = append(names, f.Name)
		}
	}
	return names
}

// featurizer turns typed values into the numeric vector a model was trained on
type featurizer struct {
	fields   []schema.Field
	encoders []map[string]float64
	scaler   *Scaler
}

func newFeaturizer(s *schema.Schema, def ModelSpec) (*featurizer, error) {
	if len(def.Features) == 0 {
		return nil, errors.New("model lists no features")
	}

	fz := &featurizer{scaler: def.Scaler}
	seen := make(map[string]bool, len(def.Features))
	for _, name := range def.Features {
		f, ok := s.Field(name)
		if !ok {
			return nil, fmt.Errorf("feature %q is not an input field", name)
		}
		if seen[name] {
			return nil, fmt.Errorf("feature %q listed twice", name)
		}
		seen[name] = true

		enc := def.Encoders[name]
		if f.Type == schema.Text && len(enc) == 0 {
			return nil, fmt.Errorf("text feature %q needs an encoder", name)
		}
		if f.Type != schema.Text && enc != nil {
			return nil, fmt.Errorf("numeric feature %q cannot have an encoder", name)
		}

		fz.fields = append(fz.fields, f)
		fz.encoders = append(fz.encoders, enc)
	}

	for name := range def.Encoders {
		if !seen[name] {
			return nil, fmt.Errorf("encoder for %q which is not a model feature", name)
		}
	}

	if sc := def.Scaler; sc != nil {
		if len(sc.Mean) != len(fz.fields) || len(sc.Scale) != len(fz.fields) {
			return nil, fmt.Errorf("scaler has %d means and %d scales for %d features", len(sc.Mean), len(sc.Scale), len(fz.fields))
		}
		for i, v := range sc.Scale {
			if v == 0 {
				return nil, fmt.Errorf("scaler scale for %q is zero", fz.fields[i].Name)
			}
		}
	}

	return fz, nil
}

func (fz *featurizer) vector(values schema.Values) ([]float64, error) {
	x := make([]float64, len(fz.fields))
	for i, f := range fz.fields {
		switch v := values[f.Name].(type) {
		case int64:
			x[i] = float64(v)
		case float64:
			x[i] = v
		case string:
			code, ok := fz.encoders[i][v]
			if !ok {
				return nil, fmt.Errorf("%w: unknown category %q for feature %q", ErrSchemaMismatch, v, f.Name)
			}
			x[i] = code
		default:
			return nil, fmt.Errorf("%w: feature %q has unusable value %T", ErrSchemaMismatch, f.Name, v)
		}
	}

	if fz.scaler != nil {
		floats.Sub(x, fz.scaler.Mean)
		floats.Div(x, fz.scaler.Scale)
	}
	return x, nil
}

type linearModel struct {
	fz        *featurizer
	coef      []float64
	intercept float64
}

func (m *linearModel) predict(values schema.Values) (any, float64, error) {
	x, err := m.fz.vector(values)
	if err != nil {
		return nil, 0, err
	}
	return floats.Dot(m.coef, x) + m.intercept, 0, nil
}

func (m *linearModel) hasConfidence() bool { return false }

type logisticModel struct {
	fz        *featurizer
	coef      []float64
	intercept float64
	threshold float64
	labels    [2]int64
}

func (m *logisticModel) predict(values schema.Values) (any, float64, error) {
	x, err := m.fz.vector(values)
	if err != nil {
		return nil, 0, err
	}

	p := sigmoid(floats.Dot(m.coef, x) + m.intercept)
	if p >= m.threshold {
		return m.labels[1], p, nil
	}
	return m.labels[0], 1 - p, nil
}

func (m *logisticModel) hasConfidence() bool { return true }

type kmeansModel struct {
	fz        *featurizer
	centroids [][]float64
}

func (m *kmeansModel) predict(values schema.Values) (any, float64, error) {
	x, err := m.fz.vector(values)
	if err != nil {
		return nil, 0, err
	}

	best, bestDist := 0, math.Inf(1)
	for i, c := range m.centroids {
		if d := floats.Distance(c, x, 2); d < bestDist {
			best, bestDist = i, d
		}
	}
	return int64(best), 0, nil
}

func (m *kmeansModel) hasConfidence() bool { return false }

type treeModel struct {
	fz    *featurizer
	nodes []TreeNode
}

func (m *treeModel) predict(values schema.Values) (any, float64, error) {
	x, err := m.fz.vector(values)
	if err != nil {
		return nil, 0, err
	}

	idx := 0
	for steps := 0; steps <= len(m.nodes); steps++ {
		node := m.nodes[idx]
		if node.Leaf {
			return node.Label, node.Confidence, nil
		}
		if x[node.Feature] <= node.Threshold {
			idx = node.Left
		} else {
			idx = node.Right
		}
	}
	return nil, 0, errors.New("decision tree did not reach a leaf")
}

// Leaves without a confidence make the whole tree confidence-less
func (m *treeModel) hasConfidence() bool {
	for _, n := range m.nodes {
		if n.Leaf && n.Confidence <= 0 {
			return false
		}
	}
	return true
}

func validateTree(nodes []TreeNode, features int) error {
	if len(nodes) == 0 {
		return errors.New("tree model has no nodes")
	}
	for i, n := range nodes {
		if n.Leaf {
			if n.Confidence < 0 || n.Confidence > 1 {
				return fmt.Errorf("node %d confidence %v outside [0, 1]", i, n.Confidence)
			}
			continue
		}
		if n.Feature < 0 || n.Feature >= features {
			return fmt.Errorf("node %d splits on feature %d, model has %d", i, n.Feature, features)
		}
		if n.Left <= i || n.Left >= len(nodes) || n.Right <= i || n.Right >= len(nodes) {
			return fmt.Errorf("node %d has invalid children %d/%d", i, n.Left, n.Right)
		}
	}
	return nil
}

func sigmoid(z float64) float64 {
	return 1 / (1 + math.Exp(-z))
}

func roundToInt(x float64) int64 {
	return int64(math.Round(x))
}
