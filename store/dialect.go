package store

import (
	"fmt"
	"hash/fnv"
	"strconv"
	"strings"

	"github.com/liamcoop/predictions/schema"
)

// Driver names accepted by Open, matching the database/sql registrations
const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"
)

// Dialect captures the statement differences between the supported engines
type Dialect struct {
	Name string

	numbered  bool   // $1, $2 ... instead of ?
	idColumn  string // DDL for the identifier column
	returning bool   // INSERT ... RETURNING id instead of LastInsertId
	lockRow   string // suffix for the read inside Update
	types     map[schema.Type]string
}

var (
	SQLite = Dialect{
		Name:     DriverSQLite,
		idColumn: "INTEGER PRIMARY KEY AUTOINCREMENT",
		types: map[schema.Type]string{
			schema.Integer: "INTEGER",
			schema.Real:    "REAL",
			schema.Text:    "TEXT",
		},
	}

	Postgres = Dialect{
		Name:      DriverPostgres,
		numbered:  true,
		idColumn:  "BIGSERIAL PRIMARY KEY",
		returning: true,
		lockRow:   " FOR UPDATE",
		types: map[schema.Type]string{
			schema.Integer: "BIGINT",
			schema.Real:    "DOUBLE PRECISION",
			schema.Text:    "TEXT",
		},
	}
)

// DialectFor returns the dialect registered under a database/sql driver name
func DialectFor(driver string) (Dialect, error) {
	switch driver {
	case DriverSQLite, "sqlite":
		return SQLite, nil
	case DriverPostgres, "postgresql":
		return Postgres, nil
	}
	return Dialect{}, fmt.Errorf("unsupported database driver %q", driver)
}

// placeholder returns the bind marker for the n-th (1-based) argument
func (d Dialect) placeholder(n int) string {
	if d.numbered {
		return "$" + strconv.Itoa(n)
	}
	return "?"
}

// quoteIdent quotes a schema identifier. Identifiers are validated against
// ^[A-Za-z_][A-Za-z0-9_]*$ before they reach here.
func quoteIdent(name string) string {
	return `"` + strings.ReplaceAll(name, `"`, `""`) + `"`
}

func (d Dialect) columnType(t schema.Type) string {
	if name, ok := d.types[t]; ok {
		return name
	}
	return "TEXT"
}

// CreateTable renders the DDL for the record table
func (d Dialect) CreateTable(s *schema.Schema) string {
	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS %s (\n", quoteIdent(s.Table))
	fmt.Fprintf(&b, "    %s %s", quoteIdent(schema.IDColumn), d.idColumn)
	for _, f := range s.Fields {
		fmt.Fprintf(&b, ",\n    %s %s", quoteIdent(f.Name), d.columnType(f.Type))
		if f.Required {
			b.WriteString(" NOT NULL")
		}
	}
	for _, f := range s.Outputs {
		fmt.Fprintf(&b, ",\n    %s %s", quoteIdent(f.Name), d.columnType(f.Type))
	}
	b.WriteString("\n)")
	return b.String()
}

// CreateIndexes renders one index per indexed column
func (d Dialect) CreateIndexes(s *schema.Schema) []string {
	var stmts []string
	for _, name := range s.IndexedColumns() {
		stmts = append(stmts, fmt.Sprintf("CREATE INDEX IF NOT EXISTS %s ON %s (%s)",
			quoteIdent(indexName(s.Table, name)), quoteIdent(s.Table), quoteIdent(name)))
	}
	return stmts
}

// DropTable renders the statement reversing CreateTable; indexes go with the table
func (d Dialect) DropTable(s *schema.Schema) string {
	return fmt.Sprintf("DROP TABLE IF EXISTS %s", quoteIdent(s.Table))
}

// maxIndexName is the Postgres identifier limit; longer names are truncated by the server
const maxIndexName = 63

// indexName is idx_<table>_<column>, or a truncated prefix plus a hash of the full
// name when that would exceed maxIndexName, so long columns never share an index name
func indexName(table, column string) string {
	name := "idx_" + strings.ToLower(table) + "_" + strings.ToLower(column)
	if len(name) <= maxIndexName {
		return name
	}

	h := fnv.New32a()
	h.Write([]byte(name))
	suffix := fmt.Sprintf("_%08x", h.Sum32())
	return name[:maxIndexName-len(suffix)] + suffix
}
