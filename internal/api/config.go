package api

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pulseboard-io/healthimport/internal/config"
)

const (
	defaultPort           int    = 8080
	maxPort               int    = 65535
	defaultHost           string = "0.0.0.0"
	defaultCORSMaxAge     int    = 86400
	defaultTimeout               = 30 * time.Second
	defaultLogLevel              = slog.LevelInfo
	defaultMaxRequestSize int64  = 1 << 20
)

// ServerConfig validation errors.
var (
	ErrInvalidPort            = errors.New("invalid port")
	ErrEmptyHost              = errors.New("host cannot be empty")
	ErrInvalidReadTimeout     = errors.New("read timeout must be positive")
	ErrInvalidWriteTimeout    = errors.New("write timeout must be positive")
	ErrInvalidShutdownTimeout = errors.New("shutdown timeout must be positive")
	ErrInvalidMaxRequestSize  = errors.New("max request size must be positive")
)

type (
	// ServerConfig configures the import trigger service.
	//
	// MaxRequestSize caps the JSON trigger body, not the archive: archives are
	// uploaded to blob storage and only referenced by path. ShutdownTimeout
	// bounds both the HTTP drain and the wait for in-flight import jobs.
	ServerConfig struct {
		Port               int
		Host               string
		ReadTimeout        time.Duration
		WriteTimeout       time.Duration
		ShutdownTimeout    time.Duration
		LogLevel           slog.Level
		MaxRequestSize     int64
		Version            string
		CORSAllowedOrigins []string
		CORSAllowedMethods []string
		CORSAllowedHeaders []string
		CORSMaxAge         int
	}

	// CORSConfig is the browser-facing policy handed to middleware.CORS.
	CORSConfig struct {
		AllowedOrigins []string
		AllowedMethods []string
		AllowedHeaders []string
		MaxAge         int
	}
)

// LoadServerConfig reads HEALTHIMPORT_SERVER_*, HEALTHIMPORT_CORS_* and
// HEALTHIMPORT_LOG_LEVEL. Upload pages call the trigger from any origin, so
// the CORS defaults allow every origin and the headers the upload client sends.
func LoadServerConfig() *ServerConfig {
	return &ServerConfig{
		Port:            config.GetEnvInt("HEALTHIMPORT_SERVER_PORT", defaultPort),
		Host:            config.GetEnvStr("HEALTHIMPORT_SERVER_HOST", defaultHost),
		ReadTimeout:     config.GetEnvDuration("HEALTHIMPORT_SERVER_READ_TIMEOUT", defaultTimeout),
		WriteTimeout:    config.GetEnvDuration("HEALTHIMPORT_SERVER_WRITE_TIMEOUT", defaultTimeout),
		ShutdownTimeout: config.GetEnvDuration("HEALTHIMPORT_SERVER_SHUTDOWN_TIMEOUT", defaultTimeout),
		LogLevel:        config.GetEnvLogLevel("HEALTHIMPORT_LOG_LEVEL", defaultLogLevel),
		MaxRequestSize:  config.GetEnvBytes("HEALTHIMPORT_SERVER_MAX_REQUEST_SIZE", defaultMaxRequestSize),
		Version:         config.GetEnvStr("HEALTHIMPORT_VERSION", "dev"),
		CORSAllowedOrigins: config.ParseCommaSeparatedList(
			config.GetEnvStr("HEALTHIMPORT_CORS_ALLOWED_ORIGINS", "*"),
		),
		CORSAllowedMethods: config.ParseCommaSeparatedList(
			config.GetEnvStr("HEALTHIMPORT_CORS_ALLOWED_METHODS", "GET,POST,OPTIONS"),
		),
		CORSAllowedHeaders: config.ParseCommaSeparatedList(
			config.GetEnvStr(
				"HEALTHIMPORT_CORS_ALLOWED_HEADERS",
				"authorization,x-client-info,apikey,content-type,X-Correlation-ID",
			),
		),
		CORSMaxAge: config.GetEnvInt("HEALTHIMPORT_CORS_MAX_AGE", defaultCORSMaxAge),
	}
}

// Address is the listen address passed to http.Server.
func (c *ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// ToCORSConfig returns the CORS policy for the middleware chain.
func (c *ServerConfig) ToCORSConfig() *CORSConfig {
	return &CORSConfig{
		AllowedOrigins: c.CORSAllowedOrigins,
		AllowedMethods: c.CORSAllowedMethods,
		AllowedHeaders: c.CORSAllowedHeaders,
		MaxAge:         c.CORSMaxAge,
	}
}

func (c *CORSConfig) GetAllowedOrigins() []string {
	return c.AllowedOrigins
}

func (c *CORSConfig) GetAllowedMethods() []string {
	return c.AllowedMethods
}

func (c *CORSConfig) GetAllowedHeaders() []string {
	return c.AllowedHeaders
}

func (c *CORSConfig) GetMaxAge() int {
	return c.MaxAge
}

// Validate rejects configurations the service cannot start with.
func (c *ServerConfig) Validate() error {
	if c.Port <= 0 || c.Port > maxPort {
		return fmt.Errorf("%w: %d, must be between 1 and %d", ErrInvalidPort, c.Port, maxPort)
	}

	if c.Host == "" {
		return ErrEmptyHost
	}

	if c.ReadTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidReadTimeout, c.ReadTimeout)
	}

	if c.WriteTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidWriteTimeout, c.WriteTimeout)
	}

	if c.ShutdownTimeout <= 0 {
		return fmt.Errorf("%w: got %v", ErrInvalidShutdownTimeout, c.ShutdownTimeout)
	}

	if c.MaxRequestSize <= 0 {
		return fmt.Errorf("%w: got %d bytes", ErrInvalidMaxRequestSize, c.MaxRequestSize)
	}

	return nil
}
