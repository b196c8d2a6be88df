package oracle

import (
	"errors"
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/liamcoop/predictions/schema"
)

// costLimit bounds the work a single expression evaluation may do
const costLimit = 1000000

// expressionModel evaluates a CEL expression over the typed input fields.
// The program is compiled once; cel.Program is safe for concurrent Eval.
type expressionModel struct {
	program cel.Program
	vars    []string
}

// newCELEnv declares one typed CEL variable per model feature
func newCELEnv(s *schema.Schema, features []string) (*cel.Env, error) {
	opts := make([]cel.EnvOption, 0, len(features))
	for _, name := range features {
		f, ok := s.Field(name)
		if !ok {
			return nil, fmt.Errorf("feature %q is not an input field", name)
		}
		opts = append(opts, cel.Variable(name, celType(f.Type)))
	}

	env, err := cel.NewEnv(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return env, nil
}

func newExpressionModel(s *schema.Schema, h Head) (*expressionModel, error) {
	if h.Model.Expression == "" {
		return nil, errors.New("expression model has an empty expression")
	}

	features := featuresOf(s, h.Model)
	for _, name := range features {
		if f, _ := s.Field(name); !f.Required {
			return nil, fmt.Errorf("expression feature %q must be a required field", name)
		}
	}

	env, err := newCELEnv(s, features)
	if err != nil {
		return nil, err
	}

	ast, issues := env.Compile(h.Model.Expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile error: %w", issues.Err())
	}

	if !outputAssignable(h.Type, ast.OutputType()) {
		return nil, fmt.Errorf("expression yields %s, output is %s", ast.OutputType(), h.Type)
	}

	prog, err := env.Program(ast, cel.CostLimit(costLimit))
	if err != nil {
		return nil, fmt.Errorf("program creation error: %w", err)
	}

	return &expressionModel{program: prog, vars: features}, nil
}

func (m *expressionModel) predict(values schema.Values) (any, float64, error) {
	activation := make(map[string]any, len(m.vars))
	for _, name := range m.vars {
		activation[name] = values[name]
	}

	out, _, err := m.program.Eval(activation)
	if err != nil {
		return nil, 0, fmt.Errorf("evaluation error: %w", err)
	}
	return out.Value(), 0, nil
}

func (m *expressionModel) hasConfidence() bool { return false }

func celType(t schema.Type) *cel.Type {
	switch t {
	case schema.Integer:
		return cel.IntType
	case schema.Real:
		return cel.DoubleType
	default:
		return cel.StringType
	}
}

// outputAssignable reports whether an expression result can be stored in a column
// of type t. Dyn results are checked per call by convertOutput.
func outputAssignable(t schema.Type, out *cel.Type) bool {
	switch out.Kind() {
	case types.DynKind:
		return true
	case types.IntKind, types.UintKind:
		return true
	case types.BoolKind:
		return t == schema.Integer
	case types.DoubleKind:
		return t != schema.Text
	case types.StringKind:
		return t == schema.Text
	}
	return false
}
