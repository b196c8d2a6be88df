package oracle

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/liamcoop/predictions/schema"
	"gopkg.in/yaml.v3"
)

// Model kinds understood by the loader
const (
	KindLinear     = "linear"
	KindLogistic   = "logistic"
	KindKMeans     = "kmeans"
	KindTree       = "tree"
	KindExpression = "expression"
)

// Artifact is the on-disk description of a trained model: the input fields it was
// trained on and one or more output heads. YAML and JSON are both accepted.
type Artifact struct {
	Name    string         `yaml:"name"`
	Table   string         `yaml:"table"`
	Fields  []schema.Field `yaml:"fields"`
	Outputs []Head         `yaml:"outputs"`
}

// Head is one derived output column and the model that fills it
type Head struct {
	Name    string      `yaml:"name"`
	Type    schema.Type `yaml:"type"`
	Indexed bool        `yaml:"indexed"`

	// Confidence names an extra real column receiving the probability of the
	// predicted value. Only models exposing probabilities may set it.
	Confidence string `yaml:"confidence"`

	Model ModelSpec `yaml:"model"`
}

// ModelSpec holds the parameters of one model. Which keys apply depends on Kind.
type ModelSpec struct {
	Kind     string   `yaml:"kind"`
	Features []string `yaml:"features"`

	// Encoders map categorical text values to numbers, per feature
	Encoders map[string]map[string]float64 `yaml:"encoders"`
	Scaler   *Scaler                       `yaml:"scaler"`

	// linear, logistic
	Coefficients []float64 `yaml:"coefficients"`
	Intercept    float64   `yaml:"intercept"`
	Threshold    *float64  `yaml:"threshold"`
	Labels       []int64   `yaml:"labels"`

	// kmeans
	Centroids [][]float64 `yaml:"centroids"`

	// tree
	Nodes []TreeNode `yaml:"nodes"`

	// expression
	Expression string `yaml:"expression"`
}

// Scaler standardises feature vectors as (x - mean) / scale
type Scaler struct {
	Mean  []float64 `yaml:"mean"`
	Scale []float64 `yaml:"scale"`
}

// TreeNode is one node of a binary decision tree stored as a flat slice
type TreeNode struct {
	Feature    int     `yaml:"feature"`
	Threshold  float64 `yaml:"threshold"`
	Left       int     `yaml:"left"`
	Right      int     `yaml:"right"`
	Leaf       bool    `yaml:"leaf"`
	Label      int64   `yaml:"label"`
	Confidence float64 `yaml:"confidence"`
}

// ArtifactLoadError means the process cannot serve predictions
type ArtifactLoadError struct {
	Path string
	Err  error
}

func (e *ArtifactLoadError) Error() string {
	if e.Path == "" {
		return fmt.Sprintf("failed to load model artifact: %v", e.Err)
	}
	return fmt.Sprintf("failed to load model artifact %s: %v", e.Path, e.Err)
}

func (e *ArtifactLoadError) Unwrap() error {
	return e.Err
}

// Load reads an artifact file and builds the Oracle from it
func Load(path string) (*Oracle, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, &ArtifactLoadError{Path: path, Err: err}
	}
	defer f.Close()

	o, err := Read(f)
	if err != nil {
		var loadErr *ArtifactLoadError
		if errors.As(err, &loadErr) {
			loadErr.Path = path
		}
		return nil, err
	}
	return o, nil
}

// Parse builds an Oracle from artifact bytes
func Parse(data []byte) (*Oracle, error) {
	return Read(bytes.NewReader(data))
}

// Read decodes an artifact and builds the Oracle from it
func Read(r io.Reader) (*Oracle, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var a Artifact
	if err := dec.Decode(&a); err != nil {
		return nil, &ArtifactLoadError{Err: fmt.Errorf("decode: %w", err)}
	}

	return New(a)
}

// schemaFor derives the table schema: input fields plus one column per head and
// one per confidence column.
func (a Artifact) schemaFor() (*schema.Schema, error) {
	outputs := make([]schema.Field, 0, len(a.Outputs))
	for _, h := range a.Outputs {
		outputs = append(outputs, schema.Field{Name: h.Name, Type: h.Type, Indexed: h.Indexed})
		if h.Confidence != "" {
			outputs = append(outputs, schema.Field{Name: h.Confidence, Type: schema.Real})
		}
	}
	return schema.New(a.Table, a.Fields, outputs)
}
