package postgres

import (
	"embed"
	"errors"
	"fmt"
	"strings"

	"github.com/golang-migrate/migrate/v4"
	_ "github.com/golang-migrate/migrate/v4/database/pgx/v5" // registers the pgx5:// driver
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Migrator applies the embedded schema migrations.
type Migrator struct {
	m *migrate.Migrate
}

// NewMigrator opens a migrator for the database at connectionString.
// postgres:// and postgresql:// URLs are accepted.
func NewMigrator(connectionString string) (*Migrator, error) {
	dbURL, err := migrateURL(connectionString)
	if err != nil {
		return nil, err
	}

	source, err := iofs.New(migrationFS, "migrations")
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}

	m, err := migrate.NewWithSourceInstance("iofs", source, dbURL)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize migrations: %w", err)
	}
	return &Migrator{m: m}, nil
}

// Up applies all pending migrations. An up-to-date schema is not an error.
func (m *Migrator) Up() error {
	if err := m.m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to apply migrations: %w", err)
	}
	return nil
}

// Down rolls back the most recent migration.
func (m *Migrator) Down() error {
	if err := m.m.Steps(-1); err != nil {
		return fmt.Errorf("failed to roll back migration: %w", err)
	}
	return nil
}

// Version returns the current schema version. A database with no applied
// migrations reports version 0.
func (m *Migrator) Version() (version uint, dirty bool, err error) {
	version, dirty, err = m.m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("failed to read migration version: %w", err)
	}
	return version, dirty, nil
}

// Close releases the source and database handles.
func (m *Migrator) Close() error {
	sourceErr, dbErr := m.m.Close()
	return errors.Join(sourceErr, dbErr)
}

func migrateURL(connectionString string) (string, error) {
	switch {
	case connectionString == "":
		return "", fmt.Errorf("connection string is required")
	case strings.HasPrefix(connectionString, "postgres://"):
		return "pgx5://" + strings.TrimPrefix(connectionString, "postgres://"), nil
	case strings.HasPrefix(connectionString, "postgresql://"):
		return "pgx5://" + strings.TrimPrefix(connectionString, "postgresql://"), nil
	case strings.HasPrefix(connectionString, "pgx5://"):
		return connectionString, nil
	default:
		return "", fmt.Errorf("unsupported database url scheme in %q", redact(connectionString))
	}
}

// redact hides everything after the scheme so credentials never reach logs.
func redact(connectionString string) string {
	if i := strings.Index(connectionString, "://"); i >= 0 {
		return connectionString[:i+3] + "..."
	}
	return "..."
}
