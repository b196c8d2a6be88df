package schema

import (
	"fmt"
)

// Type is the primitive type of a column
type Type string

const (
	Integer Type = "integer"
	Real    Type = "real"
	Text    Type = "text"
)

// DefaultTable is used when an artifact does not name its table
const DefaultTable = "predictions"

// IDColumn is the engine-assigned identifier column present on every table
const IDColumn = "id"

// Field describes one column of the prediction table.
// Input fields may be required, updatable and indexed; output fields
// are always written by the model and can only be indexed.
type Field struct {
	Name      string `yaml:"name" json:"name"`
	Type      Type   `yaml:"type" json:"type"`
	Required  bool   `yaml:"required" json:"required"`
	Updatable bool   `yaml:"updatable" json:"updatable"`
	Indexed   bool   `yaml:"indexed" json:"indexed"`
}

// Schema is the ordered set of input fields plus the derived output columns
// of one deployment. It is immutable once validated.
type Schema struct {
	Table   string  `yaml:"table" json:"table"`
	Fields  []Field `yaml:"fields" json:"fields"`
	Outputs []Field `yaml:"outputs" json:"outputs"`

	byName map[string]column
}

type column struct {
	field  Field
	output bool
}

// New validates the given definition and returns a ready-to-use Schema
func New(table string, fields, outputs []Field) (*Schema, error) {
	if table == "" {
		table = DefaultTable
	}

	s := &Schema{
		Table:   table,
		Fields:  append([]Field(nil), fields...),
		Outputs: append([]Field(nil), outputs...),
	}

	if err := ValidateSchema(s); err != nil {
		return nil, err
	}

	s.byName = make(map[string]column, len(fields)+len(outputs))
	for _, f := range s.Fields {
		s.byName[f.Name] = column{field: f}
	}
	for _, f := range s.Outputs {
		s.byName[f.Name] = column{field: f, output: true}
	}

	return s, nil
}

// Field returns the input field with the given name
func (s *Schema) Field(name string) (Field, bool) {
	c, ok := s.byName[name]
	if !ok || c.output {
		return Field{}, false
	}
	return c.field, true
}

// Column returns the input or output column with the given name
func (s *Schema) Column(name string) (Field, bool) {
	c, ok := s.byName[name]
	return c.field, ok
}

// IsOutput reports whether name is a derived output column
func (s *Schema) IsOutput(name string) bool {
	c, ok := s.byName[name]
	return ok && c.output
}

// Columns returns input fields followed by output columns, in declaration order
func (s *Schema) Columns() []Field {
	cols := make([]Field, 0, len(s.Fields)+len(s.Outputs))
	cols = append(cols, s.Fields...)
	return append(cols, s.Outputs...)
}

// Updatable reports whether name is in the update allow-list
func (s *Schema) Updatable(name string) bool {
	c, ok := s.byName[name]
	return ok && !c.output && c.field.Updatable
}

// Indexed reports whether name may be used as a list filter or summary column
func (s *Schema) Indexed(name string) bool {
	c, ok := s.byName[name]
	return ok && c.field.Indexed
}

// AllowList returns the names of updatable fields in declaration order
func (s *Schema) AllowList() []string {
	var names []string
	for _, f := range s.Fields {
		if f.Updatable {
			names = append(names, f.Name)
		}
	}
	return names
}

// IndexedColumns returns the names of indexed columns in declaration order
func (s *Schema) IndexedColumns() []string {
	var names []string
	for _, f := range s.Columns() {
		if f.Indexed {
			names = append(names, f.Name)
		}
	}
	return names
}

// String summarises the schema for log lines
func (s *Schema) String() string {
	return fmt.Sprintf("%s(%d fields, %d outputs)", s.Table, len(s.Fields), len(s.Outputs))
}
