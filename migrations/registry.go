// Package migrations resolves the embedded payhooks schema for a database
// dialect and hands it to a migration runner.
package migrations

import (
	"context"
	"fmt"
	"io/fs"
	"strings"

	payhooks "github.com/goliatone/go-payhooks"
)

const (
	DialectPostgres = "postgres"
	DialectSQLite   = "sqlite"
)

const baseDir = "data/sql/migrations"

// Source is the migration directory for one dialect.
type Source struct {
	Dialect string
	Dir     string
	FS      fs.FS
}

// ApplyFunc receives each resolved source, usually to register it with
// persistence.Client.RegisterSQLMigrations.
type ApplyFunc func(ctx context.Context, src Source) error

// ForDialect returns the embedded migrations for dialect. Postgres files sit
// at the root of the migrations directory, sqlite files in a subdirectory.
func ForDialect(dialect string) (Source, error) {
	dialect = strings.TrimSpace(strings.ToLower(dialect))
	dir := baseDir
	switch dialect {
	case DialectPostgres:
	case DialectSQLite:
		dir = baseDir + "/sqlite"
	default:
		return Source{}, fmt.Errorf("migrations: unknown dialect %q", dialect)
	}
	sub, err := fs.Sub(payhooks.GetMigrationsFS(), dir)
	if err != nil {
		return Source{}, fmt.Errorf("migrations: open %s: %w", dir, err)
	}
	ups, err := fs.Glob(sub, "*.up.sql")
	if err != nil {
		return Source{}, fmt.Errorf("migrations: glob %s: %w", dir, err)
	}
	if len(ups) == 0 {
		return Source{}, fmt.Errorf("migrations: %s has no *.up.sql files", dir)
	}
	return Source{Dialect: dialect, Dir: dir, FS: sub}, nil
}

// Apply resolves the sources for dialects and passes each to apply, stopping
// at the first failure.
func Apply(ctx context.Context, apply ApplyFunc, dialects ...string) error {
	if apply == nil {
		return fmt.Errorf("migrations: apply function is required")
	}
	if len(dialects) == 0 {
		return fmt.Errorf("migrations: at least one dialect is required")
	}
	seen := map[string]bool{}
	for _, dialect := range dialects {
		src, err := ForDialect(dialect)
		if err != nil {
			return err
		}
		if seen[src.Dialect] {
			continue
		}
		seen[src.Dialect] = true
		if err := apply(ctx, src); err != nil {
			return fmt.Errorf("migrations: apply %s: %w", src.Dialect, err)
		}
	}
	return nil
}

// DialectForDriver maps a configured database driver to its migration
// dialect.
func DialectForDriver(driver string) (string, error) {
	switch strings.TrimSpace(strings.ToLower(driver)) {
	case "postgres", "pg", "pgx":
		return DialectPostgres, nil
	case "sqlite", "sqlite3":
		return DialectSQLite, nil
	default:
		return "", fmt.Errorf("migrations: no dialect for driver %q", driver)
	}
}
