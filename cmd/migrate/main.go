package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	_ "github.com/golang-migrate/migrate/v4/source/file"

	"github.com/liamcoop/predictions/internal/logger"
	"github.com/liamcoop/predictions/oracle"
	"github.com/liamcoop/predictions/store"
)

func main() {
	var databaseURL string
	var migrationsPath string
	var command string
	var artifactPath string
	var driver string
	var version uint

	flag.StringVar(&databaseURL, "database", "", "Database URL, e.g. postgres://... or sqlite3://predictions.db")
	flag.StringVar(&migrationsPath, "path", "migrations", "Path to migrations directory")
	flag.StringVar(&command, "command", "up", "Migration command: generate, up, down, version, force")
	flag.StringVar(&artifactPath, "artifact", "", "Model artifact to derive the table from (generate)")
	flag.StringVar(&driver, "driver", "", "SQL dialect for generate: postgres or sqlite3 (default: from -database)")
	flag.UintVar(&version, "version", 1, "Version number of the generated migration")
	flag.Parse()

	// Check for database URL from flag or environment
	if databaseURL == "" {
		databaseURL = os.Getenv("DATABASE_URL")
	}
	if artifactPath == "" {
		artifactPath = os.Getenv("MODEL_PATH")
	}

	if command == "generate" {
		if err := generate(artifactPath, migrationsPath, dialectName(driver, databaseURL), version); err != nil {
			logger.Fatal("failed to generate migration", "error", err)
		}
		return
	}

	if databaseURL == "" {
		logger.Fatal("database URL is required: use -database flag or DATABASE_URL environment variable")
	}

	logger.Info("connecting to database", "migrations", migrationsPath)

	// Create migration instance
	m, err := migrate.New(
		fmt.Sprintf("file://%s", migrationsPath),
		databaseURL,
	)
	if err != nil {
		logger.Fatal("failed to create migration instance", "error", err)
	}
	defer m.Close()

	// Execute command
	switch command {
	case "up":
		logger.Info("running migrations up")
		err = m.Up()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("failed to run migrations", "error", err)
		}
		if errors.Is(err, migrate.ErrNoChange) {
			logger.Info("no migrations to run (database is up to date)")
		} else {
			logger.Info("migrations completed")
		}

	case "down":
		logger.Info("rolling back migrations")
		err = m.Down()
		if err != nil && !errors.Is(err, migrate.ErrNoChange) {
			logger.Fatal("failed to rollback migrations", "error", err)
		}
		logger.Info("rollback completed")

	case "version":
		v, dirty, err := m.Version()
		if err != nil {
			logger.Fatal("failed to get version", "error", err)
		}
		logger.Info("current version", "version", v, "dirty", dirty)

	case "force":
		if len(flag.Args()) < 1 {
			logger.Fatal("force command requires a version number: -command force <version>")
		}
		var v int
		if _, err := fmt.Sscanf(flag.Arg(0), "%d", &v); err != nil {
			logger.Fatal("invalid version number", "error", err)
		}
		if err := m.Force(v); err != nil {
			logger.Fatal("failed to force version", "error", err)
		}
		logger.Info("forced version", "version", v)

	default:
		logger.Fatal("unknown command (use: generate, up, down, version, force)", "command", command)
	}
}

// generate renders the CREATE TABLE migration for the artifact's schema
func generate(artifactPath, dir, driver string, version uint) error {
	if artifactPath == "" {
		return errors.New("artifact path is required: use -artifact flag or MODEL_PATH environment variable")
	}

	model, err := oracle.Load(artifactPath)
	if err != nil {
		return err
	}

	dialect, err := store.DialectFor(driver)
	if err != nil {
		return err
	}

	files, err := store.RenderMigration(dialect, model.Schema(), version).Write(dir)
	if err != nil {
		return err
	}

	logger.Info("migration generated", "table", model.Schema().Table, "dialect", dialect.Name, "files", files)
	return nil
}

// dialectName picks the SQL dialect from -driver, falling back to the URL scheme
func dialectName(driver, databaseURL string) string {
	if driver != "" {
		return driver
	}
	if scheme, _, ok := strings.Cut(databaseURL, "://"); ok {
		return scheme
	}
	return store.DriverPostgres
}
