package schema

import (
	"fmt"
	"regexp"
	"strings"
)

const (
	maxFields        = 200
	maxIdentifierLen = 63
)

var identifierPattern = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// ValidateSchema checks a schema definition before any table or model is built from it.
// Identifiers end up quoted inside SQL statements, so they are held to a strict pattern.
func ValidateSchema(s *Schema) error {
	if s == nil {
		return fmt.Errorf("schema cannot be nil")
	}

	if err := validateIdentifier(s.Table); err != nil {
		return fmt.Errorf("invalid table name %q: %w", s.Table, err)
	}

	if len(s.Fields) == 0 {
		return fmt.Errorf("schema must contain at least one input field")
	}
	if len(s.Outputs) == 0 {
		return fmt.Errorf("schema must contain at least one output column")
	}
	if n := len(s.Fields) + len(s.Outputs); n > maxFields {
		return fmt.Errorf("schema contains %d columns, maximum allowed is %d", n, maxFields)
	}

	seen := make(map[string]bool, len(s.Fields)+len(s.Outputs))
	check := func(f Field, kind string) error {
		if err := validateIdentifier(f.Name); err != nil {
			return fmt.Errorf("invalid %s name %q: %w", kind, f.Name, err)
		}
		if strings.EqualFold(f.Name, IDColumn) {
			return fmt.Errorf("%s %q collides with the identifier column", kind, f.Name)
		}
		key := strings.ToLower(f.Name)
		if seen[key] {
			return fmt.Errorf("duplicate column %q", f.Name)
		}
		seen[key] = true

		if !isValidType(f.Type) {
			return fmt.Errorf("%s %q has invalid type %q (must be one of: integer, real, text)", kind, f.Name, f.Type)
		}
		return nil
	}

	for _, f := range s.Fields {
		if err := check(f, "field"); err != nil {
			return err
		}
	}
	for _, f := range s.Outputs {
		if err := check(f, "output"); err != nil {
			return err
		}
		if f.Updatable {
			return fmt.Errorf("output %q cannot be updatable", f.Name)
		}
	}

	return nil
}

// validateIdentifier validates a table or column name
func validateIdentifier(name string) error {
	if len(name) == 0 {
		return fmt.Errorf("identifier cannot be empty")
	}
	if len(name) > maxIdentifierLen {
		return fmt.Errorf("identifier length %d exceeds maximum of %d characters", len(name), maxIdentifierLen)
	}

	if !identifierPattern.MatchString(name) {
		return fmt.Errorf("must match pattern ^[a-zA-Z_][a-zA-Z0-9_]*$ (start with letter or underscore, followed by letters, digits, or underscores)")
	}

	if isReservedKeyword(name) {
		return fmt.Errorf("cannot use reserved keyword %q as identifier", name)
	}

	return nil
}

func isValidType(t Type) bool {
	switch t {
	case Integer, Real, Text:
		return true
	}
	return false
}

// isReservedKeyword rejects SQL keywords shared by SQLite and PostgreSQL
// and the CEL keywords that would break expression models.
func isReservedKeyword(name string) bool {
	reservedKeywords := map[string]bool{
		// SQL
		"select": true, "insert": true, "update": true, "delete": true,
		"from": true, "where": true, "table": true, "index": true,
		"create": true, "drop": true, "alter": true, "order": true,
		"group": true, "by": true, "limit": true, "offset": true,
		"and": true, "or": true, "not": true, "null": true,
		"primary": true, "key": true, "default": true, "values": true,
		"into": true, "set": true, "join": true, "union": true,
		"check": true, "references": true, "unique": true, "transaction": true,
		// CEL
		"true": true, "false": true, "in": true, "as": true,
		"if": true, "else": true, "for": true, "while": true,
		"break": true, "continue": true, "return": true, "var": true,
		"let": true, "const": true, "function": true, "import": true,
		"package": true, "namespace": true, "loop": true, "void": true,
	}

	return reservedKeywords[strings.ToLower(name)]
}
