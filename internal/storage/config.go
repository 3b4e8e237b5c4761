// Package storage persists imported health data in PostgreSQL and provides
// an in-memory implementation of the same stores for tests and dry runs.
package storage

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/pulseboard-io/healthimport/internal/config"
)

const (
	defaultMaxOpenConns     = 25
	defaultMaxIdleConns     = 5
	defaultConnMaxLifetime  = 30 * time.Minute
	defaultConnMaxIdleTime  = 10 * time.Minute
	defaultStatementTimeout = 30 * time.Second
)

var (
	// ErrDatabaseURLEmpty is returned when the database url is an empty string.
	ErrDatabaseURLEmpty = errors.New("database URL cannot be empty")
	// ErrInvalidPoolSize is returned when the idle pool is larger than the open pool.
	ErrInvalidPoolSize = errors.New("invalid connection pool size")
)

// Config holds PostgreSQL connection configuration with production-ready defaults.
type Config struct {
	databaseURL      string
	MaxOpenConns     int           // Maximum number of open connections
	MaxIdleConns     int           // Maximum number of idle connections
	ConnMaxLifetime  time.Duration // Maximum lifetime of connections
	ConnMaxIdleTime  time.Duration // Maximum idle time for connections
	StatementTimeout time.Duration // Per-statement timeout applied by the stores
}

// NewConfig creates a Config for databaseURL with default pool settings.
func NewConfig(databaseURL string) *Config {
	return &Config{
		databaseURL:      databaseURL,
		MaxOpenConns:     defaultMaxOpenConns,
		MaxIdleConns:     defaultMaxIdleConns,
		ConnMaxLifetime:  defaultConnMaxLifetime,
		ConnMaxIdleTime:  defaultConnMaxIdleTime,
		StatementTimeout: defaultStatementTimeout,
	}
}

// LoadConfig loads PostgreSQL configuration from environment variables with fallback to defaults.
func LoadConfig() *Config {
	return &Config{
		databaseURL:      config.GetEnvStr("DATABASE_URL", ""), // DatabaseURL is private for obvious reasons.
		MaxOpenConns:     config.GetEnvInt("DATABASE_MAX_OPEN_CONNS", defaultMaxOpenConns),
		MaxIdleConns:     config.GetEnvInt("DATABASE_MAX_IDLE_CONNS", defaultMaxIdleConns),
		ConnMaxLifetime:  config.GetEnvDuration("DATABASE_CONN_MAX_LIFETIME", defaultConnMaxLifetime),
		ConnMaxIdleTime:  config.GetEnvDuration("DATABASE_CONN_MAX_IDLE_TIME", defaultConnMaxIdleTime),
		StatementTimeout: config.GetEnvDuration("DATABASE_STATEMENT_TIMEOUT", defaultStatementTimeout),
	}
}

// Validate checks if the PostgreSQL configuration is valid.
func (c *Config) Validate() error {
	if strings.TrimSpace(c.databaseURL) == "" {
		return ErrDatabaseURLEmpty
	}

	if c.MaxOpenConns > 0 && c.MaxIdleConns > c.MaxOpenConns {
		return fmt.Errorf("%w: max idle (%d) exceeds max open (%d)", ErrInvalidPoolSize, c.MaxIdleConns, c.MaxOpenConns)
	}

	return nil
}

// MaskDatabaseURL returns the database URL with its password replaced, safe for logging.
func (c *Config) MaskDatabaseURL() string {
	if c.databaseURL == "" {
		return ""
	}

	u, err := url.Parse(c.databaseURL)
	if err != nil || u.User == nil {
		return c.databaseURL
	}

	if _, hasPassword := u.User.Password(); !hasPassword {
		return c.databaseURL
	}

	u.User = url.UserPassword(u.User.Username(), "***")

	return strings.Replace(u.String(), "%2A%2A%2A", "***", 1)
}
