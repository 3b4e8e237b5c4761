package importer

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pulseboard-io/healthimport/internal/archive"
	"github.com/pulseboard-io/healthimport/internal/config"
)

// Pipeline defaults.
const (
	DefaultBatchSize         = 100
	DefaultChunkSize         = 64 * 1024
	DefaultBufferCeiling     = 5 * 1024 * 1024
	DefaultProgressInterval  = 1000
	DefaultAggregationDays   = 30
	DefaultMaxConcurrentJobs = 4
)

// ErrInvalidConfig is returned by Validate for out-of-range settings.
var ErrInvalidConfig = errors.New("invalid pipeline configuration")

// PipelineConfig tunes the import pipeline.
//
// Values come from an optional YAML file named by HEALTHIMPORT_CONFIG_FILE,
// then environment variables, which take precedence.
type PipelineConfig struct {
	// BatchSize is the number of records handed to the writer at once.
	BatchSize int `yaml:"batch_size"`
	// ChunkSize is the number of bytes read from the payload per iteration.
	ChunkSize int `yaml:"chunk_size"`
	// BufferCeiling bounds the unconsumed parser buffer in bytes.
	BufferCeiling int `yaml:"buffer_ceiling"`
	// ProgressInterval emits a progress event every N valid records.
	ProgressInterval int `yaml:"progress_interval"`
	// AggregationDays is the trailing window length; today is always included.
	AggregationDays int `yaml:"aggregation_days"`
	// LargeFileThreshold switches archive fetches to a signed URL.
	LargeFileThreshold int64 `yaml:"large_file_threshold"`
	// SignedURLExpiry is the lifetime of signed URLs.
	SignedURLExpiry time.Duration `yaml:"signed_url_expiry"`
	// MaxConcurrentJobs caps background imports; 0 means unlimited.
	MaxConcurrentJobs int `yaml:"max_concurrent_jobs"`
}

// DefaultPipelineConfig returns the production defaults.
func DefaultPipelineConfig() PipelineConfig {
	return PipelineConfig{
		BatchSize:          DefaultBatchSize,
		ChunkSize:          DefaultChunkSize,
		BufferCeiling:      DefaultBufferCeiling,
		ProgressInterval:   DefaultProgressInterval,
		AggregationDays:    DefaultAggregationDays,
		LargeFileThreshold: archive.DefaultLargeFileThreshold,
		SignedURLExpiry:    archive.DefaultSignedURLExpiry,
		MaxConcurrentJobs:  DefaultMaxConcurrentJobs,
	}
}

// LoadPipelineConfig loads the pipeline configuration from the optional YAML
// file and environment variables.
//
// Environment variables:
//   - HEALTHIMPORT_CONFIG_FILE: YAML file with the keys of PipelineConfig
//   - HEALTHIMPORT_BATCH_SIZE: records per batch (default: 100)
//   - HEALTHIMPORT_CHUNK_SIZE: bytes per read, human sizes allowed (default: 64k)
//   - HEALTHIMPORT_BUFFER_CEILING: parser buffer ceiling (default: 5MiB)
//   - HEALTHIMPORT_PROGRESS_INTERVAL: records between progress events (default: 1000)
//   - HEALTHIMPORT_AGGREGATION_DAYS: trailing aggregation window (default: 30)
//   - HEALTHIMPORT_LARGE_FILE_THRESHOLD: signed URL strategy threshold (default: 100MiB)
//   - HEALTHIMPORT_SIGNED_URL_EXPIRY: signed URL lifetime (default: 1h)
//   - HEALTHIMPORT_MAX_CONCURRENT_JOBS: background import cap, 0 for unlimited (default: 4)
func LoadPipelineConfig() (PipelineConfig, error) {
	cfg := DefaultPipelineConfig()

	if path := config.GetEnvStr("HEALTHIMPORT_CONFIG_FILE", ""); path != "" {
		if err := cfg.mergeFile(path); err != nil {
			return cfg, err
		}
	}

	cfg.BatchSize = config.GetEnvInt("HEALTHIMPORT_BATCH_SIZE", cfg.BatchSize)
	cfg.ChunkSize = int(config.GetEnvBytes("HEALTHIMPORT_CHUNK_SIZE", int64(cfg.ChunkSize)))
	cfg.BufferCeiling = int(config.GetEnvBytes("HEALTHIMPORT_BUFFER_CEILING", int64(cfg.BufferCeiling)))
	cfg.ProgressInterval = config.GetEnvInt("HEALTHIMPORT_PROGRESS_INTERVAL", cfg.ProgressInterval)
	cfg.AggregationDays = config.GetEnvInt("HEALTHIMPORT_AGGREGATION_DAYS", cfg.AggregationDays)
	cfg.LargeFileThreshold = config.GetEnvBytes("HEALTHIMPORT_LARGE_FILE_THRESHOLD", cfg.LargeFileThreshold)
	cfg.SignedURLExpiry = config.GetEnvDuration("HEALTHIMPORT_SIGNED_URL_EXPIRY", cfg.SignedURLExpiry)
	cfg.MaxConcurrentJobs = config.GetEnvInt("HEALTHIMPORT_MAX_CONCURRENT_JOBS", cfg.MaxConcurrentJobs)

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}

	return cfg, nil
}

func (c *PipelineConfig) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read pipeline config %s: %w", path, err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse pipeline config %s: %w", path, err)
	}

	return nil
}

// Validate checks that all settings are usable.
func (c *PipelineConfig) Validate() error {
	if c.BatchSize < 1 {
		return fmt.Errorf("%w: batch size must be positive, got %d", ErrInvalidConfig, c.BatchSize)
	}

	if c.ChunkSize < len(recordOpen) {
		return fmt.Errorf("%w: chunk size too small: %d", ErrInvalidConfig, c.ChunkSize)
	}

	if c.BufferCeiling < c.ChunkSize {
		return fmt.Errorf("%w: buffer ceiling (%d) must be at least the chunk size (%d)",
			ErrInvalidConfig, c.BufferCeiling, c.ChunkSize)
	}

	if c.ProgressInterval < 1 {
		return fmt.Errorf("%w: progress interval must be positive, got %d", ErrInvalidConfig, c.ProgressInterval)
	}

	if c.AggregationDays < 0 {
		return fmt.Errorf("%w: aggregation days must not be negative, got %d", ErrInvalidConfig, c.AggregationDays)
	}

	if c.LargeFileThreshold < 1 {
		return fmt.Errorf("%w: large file threshold must be positive", ErrInvalidConfig)
	}

	if c.SignedURLExpiry <= 0 {
		return fmt.Errorf("%w: signed url expiry must be positive", ErrInvalidConfig)
	}

	if c.MaxConcurrentJobs < 0 {
		return fmt.Errorf("%w: max concurrent jobs must not be negative, got %d", ErrInvalidConfig, c.MaxConcurrentJobs)
	}

	return nil
}

// ReaderConfig returns the archive reader settings.
func (c *PipelineConfig) ReaderConfig() archive.ReaderConfig {
	return archive.ReaderConfig{
		LargeFileThreshold: c.LargeFileThreshold,
		SignedURLExpiry:    c.SignedURLExpiry,
		PayloadName:        archive.DefaultPayloadName,
	}
}
