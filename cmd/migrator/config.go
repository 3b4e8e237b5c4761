package main

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/pulseboard-io/healthimport/internal/config"
	"github.com/pulseboard-io/healthimport/internal/storage"
)

var (
	errDatabaseURLEmpty    = errors.New("DATABASE_URL cannot be empty")
	errMigrationTableEmpty = errors.New("MIGRATION_TABLE cannot be empty")
	errMigrationsPath      = errors.New("migrations directory does not exist")
)

// Config holds all configuration for the migration tool
type Config struct {
	// DatabaseURL is the PostgreSQL connection string
	DatabaseURL string

	// MigrationsPath overrides the embedded migrations with a directory on disk.
	// Empty means the migrations compiled into the binary.
	MigrationsPath string

	// MigrationTable is the name of the table to track migrations
	MigrationTable string
}

// LoadConfig loads configuration from environment variables with sensible defaults
func LoadConfig() (*Config, error) {
	cfg := &Config{
		DatabaseURL:    config.GetEnvStr("DATABASE_URL", ""),
		MigrationsPath: config.GetEnvStr("MIGRATIONS_PATH", ""),
		MigrationTable: config.GetEnvStr("MIGRATION_TABLE", "schema_migrations"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return cfg, nil
}

// Validate checks that the configuration is valid
func (c *Config) Validate() error {
	if c.DatabaseURL == "" {
		return errDatabaseURLEmpty
	}

	if c.MigrationTable == "" {
		return errMigrationTableEmpty
	}

	if c.MigrationsPath == "" {
		return nil
	}

	absPath, err := filepath.Abs(c.MigrationsPath)
	if err != nil {
		return fmt.Errorf("failed to resolve migrations path: %w", err)
	}

	c.MigrationsPath = absPath

	if info, err := os.Stat(c.MigrationsPath); err != nil || !info.IsDir() {
		return fmt.Errorf("%w: %s", errMigrationsPath, c.MigrationsPath)
	}

	return nil
}

// UsesEmbedded reports whether the compiled-in migrations are used.
func (c *Config) UsesEmbedded() bool {
	return c.MigrationsPath == ""
}

// String returns a string representation of the configuration (safe for logging)
func (c *Config) String() string {
	source := c.MigrationsPath
	if c.UsesEmbedded() {
		source = "embedded"
	}

	return fmt.Sprintf("Config{DatabaseURL: %s, MigrationsPath: %s, MigrationTable: %s}",
		storage.NewConfig(c.DatabaseURL).MaskDatabaseURL(), source, c.MigrationTable)
}
