package sqlite

import (
	"errors"
	"fmt"

	"portal/migrations"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

// Migrate applies the embedded migrations to the database at storagePath.
// It returns migrate.ErrNoChange wrapped when the schema is already current.
func Migrate(storagePath, migrationsTable string) error {
	const op = "storage.sqlite.Migrate"

	src, err := iofs.New(migrations.FS, ".")
	if err != nil {
		return fmt.Errorf("%s: source: %w", op, err)
	}

	dbURL := "sqlite3://" + storagePath
	if migrationsTable != "" {
		dbURL += "?x-migrations-table=" + migrationsTable
	}

	m, err := migrate.NewWithSourceInstance("iofs", src, dbURL)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	defer func() { _, _ = m.Close() }()

	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			return fmt.Errorf("%s: %w", op, err)
		}
		return fmt.Errorf("%s: up: %w", op, err)
	}

	return nil
}
