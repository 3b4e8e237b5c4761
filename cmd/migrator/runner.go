package main

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log"
	"os"

	migrate "github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/postgres"

	_ "github.com/lib/pq" // PostgreSQL driver

	"github.com/pulseboard-io/healthimport/migrations"
)

type (
	// MigrationRunner defines the interface for running database migrations
	MigrationRunner interface {
		// Up applies all pending migrations
		Up() error

		// Down rollbacks the last migration
		Down() error

		// Status shows the current migration status
		Status() error

		// Version shows the current migration version
		Version() error

		// Drop drops all tables (destructive operation)
		Drop() error

		// Close closes any open connections
		Close() error
	}

	// migrationRunner implements MigrationRunner using golang-migrate
	migrationRunner struct {
		config  *Config
		fsys    fs.FS
		migrate *migrate.Migrate
		db      *sql.DB
		out     io.Writer
	}

	// migrateLogger implements the migrate.Logger interface
	migrateLogger struct{}
)

// Ensure we implement the interface at compile time
var _ migrate.Logger = (*migrateLogger)(nil)

// migrationFS returns the migration files selected by config.
func migrationFS(config *Config) fs.FS {
	if config.UsesEmbedded() {
		return migrations.FS
	}

	return os.DirFS(config.MigrationsPath)
}

// NewMigrationRunner validates the migration files, connects to the database
// and prepares a golang-migrate instance over them.
func NewMigrationRunner(config *Config) (MigrationRunner, error) {
	log.Printf("Initializing migration runner with config: %s", config.String())

	fsys := migrationFS(config)

	if err := migrations.Validate(fsys, nil); err != nil {
		return nil, fmt.Errorf("migration files are invalid: %w", err)
	}

	db, err := sql.Open("postgres", config.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	log.Println("Database connection established successfully")

	driver, err := postgres.WithInstance(db, &postgres.Config{
		MigrationsTable: config.MigrationTable,
	})
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create postgres driver: %w", err)
	}

	src, err := migrations.Source(fsys)
	if err != nil {
		_ = db.Close()

		return nil, err
	}

	m, err := migrate.NewWithInstance("iofs", src, "postgres", driver)
	if err != nil {
		_ = db.Close()

		return nil, fmt.Errorf("failed to create migrate instance: %w", err)
	}

	m.Log = &migrateLogger{}

	return &migrationRunner{
		config:  config,
		fsys:    fsys,
		migrate: m,
		db:      db,
		out:     os.Stdout,
	}, nil
}

// Up applies all pending migrations
func (r *migrationRunner) Up() error {
	log.Println("Starting migration up...")

	err := r.migrate.Up()
	if err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("migration up failed: %w", err)
	}

	if errors.Is(err, migrate.ErrNoChange) {
		log.Println("No new migrations to apply")
	} else {
		log.Println("All migrations applied successfully")
	}

	return nil
}

// Down rollbacks the last migration
func (r *migrationRunner) Down() error {
	log.Println("Starting migration down...")

	err := r.migrate.Steps(-1)
	nothingApplied := errors.Is(err, migrate.ErrNoChange) ||
		errors.Is(err, migrate.ErrNilVersion) ||
		errors.Is(err, fs.ErrNotExist)

	if err != nil && !nothingApplied {
		return fmt.Errorf("migration down failed: %w", err)
	}

	if nothingApplied {
		log.Println("No migrations to rollback")
	} else {
		log.Println("Last migration rolled back successfully")
	}

	return nil
}

// Status prints the current version and every pending up migration.
func (r *migrationRunner) Status() error {
	current, dirty, err := r.currentVersion()
	if err != nil {
		return err
	}

	switch {
	case current == 0:
		fmt.Fprintln(r.out, "Migration Status: No migrations applied yet")
	case dirty:
		fmt.Fprintf(r.out, "Migration Status: Version %d (dirty, needs manual intervention)\n", current)
	default:
		fmt.Fprintf(r.out, "Migration Status: Version %d (clean)\n", current)
	}

	pending, err := r.pending(current)
	if err != nil {
		return err
	}

	if len(pending) == 0 {
		fmt.Fprintln(r.out, "No pending migrations")

		return nil
	}

	fmt.Fprintf(r.out, "Pending migrations (%d):\n", len(pending))

	for _, info := range pending {
		fmt.Fprintf(r.out, "  %03d %s (sha256 %s)\n", info.Sequence, info.Name, info.Checksum[:12])
	}

	return nil
}

// Version shows the current migration version
func (r *migrationRunner) Version() error {
	current, dirty, err := r.currentVersion()
	if err != nil {
		return err
	}

	if current == 0 {
		fmt.Fprintln(r.out, "Current Version: No migrations applied")

		return nil
	}

	dirtyNote := ""
	if dirty {
		dirtyNote = " (dirty)"
	}

	fmt.Fprintf(r.out, "Current Version: %d%s\n", current, dirtyNote)

	return nil
}

// Drop drops all tables (destructive operation)
func (r *migrationRunner) Drop() error {
	log.Println("WARNING: Dropping all tables...")

	if err := r.migrate.Drop(); err != nil {
		return fmt.Errorf("drop operation failed: %w", err)
	}

	log.Println("All tables dropped successfully")

	return nil
}

// Close closes database connections
func (r *migrationRunner) Close() error {
	var errs []error

	if r.migrate != nil {
		sourceErr, dbErr := r.migrate.Close()
		if sourceErr != nil {
			errs = append(errs, fmt.Errorf("source close error: %w", sourceErr))
		}

		if dbErr != nil {
			errs = append(errs, fmt.Errorf("database close error: %w", dbErr))
		}
	}

	if r.db != nil {
		if err := r.db.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			errs = append(errs, fmt.Errorf("database connection close error: %w", err))
		}
	}

	return errors.Join(errs...)
}

// currentVersion returns 0 when no migration has been applied.
func (r *migrationRunner) currentVersion() (uint, bool, error) {
	ver, dirty, err := r.migrate.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to get migration version: %w", err)
	}

	return ver, dirty, nil
}

// pending lists the up migrations newer than current.
func (r *migrationRunner) pending(current uint) ([]migrations.Info, error) {
	infos, err := migrations.List(r.fsys)
	if err != nil {
		return nil, err
	}

	var pending []migrations.Info

	for _, info := range infos {
		if info.Direction == "up" && uint(info.Sequence) > current {
			pending = append(pending, info)
		}
	}

	return pending, nil
}

func (l *migrateLogger) Printf(format string, v ...any) {
	log.Printf("[MIGRATE] "+format, v...)
}

func (l *migrateLogger) Verbose() bool {
	return true
}
