package repository

import (
	"embed"
	"errors"
	"fmt"
	"log/slog"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	migratepgx "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
)

//go:embed migrations/sqlite/*.sql migrations/postgres/*.sql
var migrationsFS embed.FS

// MigrateUp runs all pending migrations. No change is not an error.
func (d *DB) MigrateUp(logger *slog.Logger) error {
	m, err := d.newMigrate(logger)
	if err != nil || m == nil {
		return err
	}
	// m is not closed: that would close d.SQL
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}
	return nil
}

// MigrateDown rolls back the most recent migration.
func (d *DB) MigrateDown(logger *slog.Logger) error {
	m, err := d.newMigrate(logger)
	if err != nil || m == nil {
		return err
	}
	if err := m.Steps(-1); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration down failed: %w", err)
	}
	return nil
}

// MigrateVersion returns the applied version; 0 when nothing has run yet.
func (d *DB) MigrateVersion(logger *slog.Logger) (version uint, dirty bool, err error) {
	m, err := d.newMigrate(logger)
	if err != nil || m == nil {
		return 0, false, err
	}
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}
	return version, dirty, err
}

// newMigrate returns nil for the memory driver, which has no schema.
func (d *DB) newMigrate(logger *slog.Logger) (*migrate.Migrate, error) {
	if d.SQL == nil {
		return nil, nil
	}

	var (
		driver database.Driver
		err    error
	)
	switch d.Driver {
	case DriverSQLite:
		driver, err = sqlite.WithInstance(d.SQL, &sqlite.Config{})
	case DriverPostgres:
		driver, err = migratepgx.WithInstance(d.SQL, &migratepgx.Config{})
	default:
		return nil, fmt.Errorf("no migrations for driver %q", d.Driver)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create %s migrate driver: %w", d.Driver, err)
	}

	src, err := iofs.New(migrationsFS, "migrations/"+d.Driver)
	if err != nil {
		return nil, fmt.Errorf("failed to open embedded migrations: %w", err)
	}
	m, err := migrate.NewWithInstance("iofs", src, d.Driver, driver)
	if err != nil {
		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}
	m.Log = &migrateLogger{logger: logger}
	return m, nil
}

// migrateLogger implements migrate.Logger on top of slog.
type migrateLogger struct {
	logger *slog.Logger
}

func (l *migrateLogger) Printf(format string, v ...any) {
	l.logger.Info(fmt.Sprintf("[migrate] "+format, v...))
}

func (l *migrateLogger) Verbose() bool {
	return false
}
