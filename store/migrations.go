package store

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/liamcoop/predictions/schema"
)

// Migration is a versioned up/down pair in golang-migrate's file layout
type Migration struct {
	Version uint
	Name    string
	Up      string
	Down    string
}

// RenderMigration produces the migration creating the record table and its indexes
func RenderMigration(d Dialect, s *schema.Schema, version uint) Migration {
	var up strings.Builder
	up.WriteString(d.CreateTable(s))
	up.WriteString(";\n")
	for _, stmt := range d.CreateIndexes(s) {
		up.WriteString(stmt)
		up.WriteString(";\n")
	}

	return Migration{
		Version: version,
		Name:    "create_" + strings.ToLower(s.Table),
		Up:      up.String(),
		Down:    d.DropTable(s) + ";\n",
	}
}

// Filenames returns the up and down file names, e.g. 000001_create_applicants.up.sql
func (m Migration) Filenames() (up, down string) {
	base := fmt.Sprintf("%06d_%s", m.Version, m.Name)
	return base + ".up.sql", base + ".down.sql"
}

// Write stores the pair under dir, refusing to overwrite existing files
func (m Migration) Write(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create migrations directory: %w", err)
	}

	upName, downName := m.Filenames()
	files := []struct {
		path string
		body string
	}{
		{filepath.Join(dir, upName), m.Up},
		{filepath.Join(dir, downName), m.Down},
	}

	var written []string
	for _, f := range files {
		fh, err := os.OpenFile(f.path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
		if err != nil {
			return written, fmt.Errorf("failed to create %s: %w", f.path, err)
		}
		_, werr := fh.WriteString(f.body)
		cerr := fh.Close()
		if werr != nil {
			return written, fmt.Errorf("failed to write %s: %w", f.path, werr)
		}
		if cerr != nil {
			return written, fmt.Errorf("failed to close %s: %w", f.path, cerr)
		}
		written = append(written, f.path)
	}
	return written, nil
}
