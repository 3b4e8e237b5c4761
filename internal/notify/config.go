package notify

import (
	"errors"
	"fmt"
	"time"

	"github.com/pulseboard-io/healthimport/internal/config"
)

const (
	defaultTopic        = "health-uploads"
	defaultGroupID      = "healthimport"
	defaultRetryBackoff = 2 * time.Second
)

var (
	// ErrNoBrokers indicates the consumer is enabled but no brokers are configured.
	ErrNoBrokers = errors.New("at least one kafka broker is required")

	// ErrEmptyTopic indicates the upload topic is empty.
	ErrEmptyTopic = errors.New("kafka topic cannot be empty")

	// ErrEmptyGroupID indicates the consumer group id is empty.
	ErrEmptyGroupID = errors.New("kafka group id cannot be empty")
)

// Config holds the upload notification consumer configuration.
// The consumer is disabled when Brokers is empty.
type Config struct {
	Brokers      []string
	Topic        string
	GroupID      string
	RetryBackoff time.Duration
}

// LoadConfig reads HEALTHIMPORT_KAFKA_* environment variables.
func LoadConfig() *Config {
	return &Config{
		Brokers:      config.ParseCommaSeparatedList(config.GetEnvStr("HEALTHIMPORT_KAFKA_BROKERS", "")),
		Topic:        config.GetEnvStr("HEALTHIMPORT_KAFKA_TOPIC", defaultTopic),
		GroupID:      config.GetEnvStr("HEALTHIMPORT_KAFKA_GROUP_ID", defaultGroupID),
		RetryBackoff: config.GetEnvDuration("HEALTHIMPORT_KAFKA_RETRY_BACKOFF", defaultRetryBackoff),
	}
}

// Enabled reports whether any broker is configured.
func (c *Config) Enabled() bool {
	return len(c.Brokers) > 0
}

// Validate checks an enabled configuration.
func (c *Config) Validate() error {
	if !c.Enabled() {
		return ErrNoBrokers
	}

	if c.Topic == "" {
		return ErrEmptyTopic
	}

	if c.GroupID == "" {
		return ErrEmptyGroupID
	}

	if c.RetryBackoff <= 0 {
		return fmt.Errorf("retry backoff must be positive: got %v", c.RetryBackoff)
	}

	return nil
}
