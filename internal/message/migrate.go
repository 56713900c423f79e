package message

import (
	"database/sql"
	"errors"
	"fmt"
	"log"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"
	_ "github.com/golang-migrate/migrate/v4/source/file"
)

// RunMigrations applies pending schema migrations from sourceDir against the
// given database. A plain directory path is accepted alongside a full source
// URL ("migrations" and "file://migrations" are equivalent).
func RunMigrations(db *sql.DB, sourceDir string) error {
	driver, err := postgres.WithInstance(db, &postgres.Config{})
	if err != nil {
		return fmt.Errorf("message: migration driver: %w", err)
	}

	m, err := migrate.NewWithDatabaseInstance(sourceURL(sourceDir), "postgres", driver)
	if err != nil {
		return fmt.Errorf("message: migration setup: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("message: migration up: %w", err)
	}

	version, dirty, err := m.Version()
	if err != nil && !errors.Is(err, migrate.ErrNilVersion) {
		return fmt.Errorf("message: migration version: %w", err)
	}
	log.Printf("[message] schema at version %d (dirty=%v)", version, dirty)
	return nil
}

// sourceURL normalizes a migrations location: the source driver requires a
// URL scheme, so bare directory paths get file:// prepended.
func sourceURL(dir string) string {
	if strings.Contains(dir, "://") {
		return dir
	}
	return "file://" + dir
}
