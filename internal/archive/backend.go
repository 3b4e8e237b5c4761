package archive

import (
	"context"
	"errors"
	"fmt"

	"github.com/pulseboard-io/healthimport/internal/config"
)

// Supported blob store backends.
const (
	BackendS3    = "s3"
	BackendLocal = "local"
)

var (
	// ErrUnknownBackend indicates HEALTHIMPORT_ARCHIVE_BACKEND names no known store.
	ErrUnknownBackend = errors.New("unknown archive backend")

	// ErrMissingBucket indicates the s3 backend has no bucket configured.
	ErrMissingBucket = errors.New("s3 bucket is required")

	// ErrMissingLocalDir indicates the local backend has no directory configured.
	ErrMissingLocalDir = errors.New("local archive directory is required")
)

// BackendConfig selects and configures the blob store holding uploaded archives.
type BackendConfig struct {
	Backend  string
	S3       S3Config
	LocalDir string
}

// LoadBackendConfig reads the archive backend settings from the environment.
func LoadBackendConfig() *BackendConfig {
	return &BackendConfig{
		Backend: config.GetEnvStr("HEALTHIMPORT_ARCHIVE_BACKEND", BackendS3),
		S3: S3Config{
			Bucket:       config.GetEnvStr("HEALTHIMPORT_S3_BUCKET", "health-exports"),
			Region:       config.GetEnvStr("HEALTHIMPORT_S3_REGION", ""),
			Endpoint:     config.GetEnvStr("HEALTHIMPORT_S3_ENDPOINT", ""),
			UsePathStyle: config.GetEnvBool("HEALTHIMPORT_S3_PATH_STYLE", false),
		},
		LocalDir: config.GetEnvStr("HEALTHIMPORT_LOCAL_ARCHIVE_DIR", ""),
	}
}

// Validate checks the settings of the selected backend only.
func (c *BackendConfig) Validate() error {
	switch c.Backend {
	case BackendS3:
		if c.S3.Bucket == "" {
			return ErrMissingBucket
		}
	case BackendLocal:
		if c.LocalDir == "" {
			return ErrMissingLocalDir
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnknownBackend, c.Backend)
	}

	return nil
}

// Describe returns the bucket or directory backing the store, for logging.
func (c *BackendConfig) Describe() string {
	if c.Backend == BackendLocal {
		return c.LocalDir
	}

	return "s3://" + c.S3.Bucket
}

// Open builds the configured BlobStore.
func Open(ctx context.Context, cfg *BackendConfig) (BlobStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.Backend == BackendLocal {
		store, err := NewLocalStore(cfg.LocalDir)
		if err != nil {
			return nil, err
		}

		return store, nil
	}

	store, err := NewS3Store(ctx, cfg.S3)
	if err != nil {
		return nil, err
	}

	return store, nil
}
