package bridge

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/danmuck/bridgectl/internal/transport"
	"github.com/google/uuid"
)

var ErrInvalidConfig = errors.New("bridge: invalid config")

const DefaultEndpoint = "tcp://localhost:" + transport.DefaultPort

// BackoffConfig shapes the delay between ParanoidRequest retry cycles.
type BackoffConfig struct {
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
	Jitter       bool
}

// HeartbeatConfig controls liveness probing while a ParanoidRequest attempt waits.
type HeartbeatConfig struct {
	Interval time.Duration
	// Liveness is the number of unanswered probes tolerated before the peer
	// is declared dead at the next probe boundary.
	Liveness int
	// Expiry bounds silence since the last peer signal.
	Expiry time.Duration
}

type Config struct {
	Endpoint          string
	MaxRetries        int
	Timeout           time.Duration
	HeartbeatEnabled  bool
	Heartbeat         HeartbeatConfig
	Backoff           BackoffConfig
	CorrelationPrefix string
}

func DefaultConfig() Config {
	return Config{
		Endpoint:   DefaultEndpoint,
		MaxRetries: 3,
		Timeout:    5 * time.Second,
		Heartbeat: HeartbeatConfig{
			Interval: time.Second,
			Liveness: 3,
		},
		Backoff: BackoffConfig{
			InitialDelay: 100 * time.Millisecond,
			Multiplier:   2.0,
		},
	}
}

// WithDefaults fills zero fields. Explicit negative values are left for Validate.
func (c Config) WithDefaults() Config {
	def := DefaultConfig()
	if strings.TrimSpace(c.Endpoint) == "" {
		c.Endpoint = def.Endpoint
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = def.MaxRetries
	}
	if c.Timeout == 0 {
		c.Timeout = def.Timeout
	}
	if c.Heartbeat.Interval == 0 {
		c.Heartbeat.Interval = def.Heartbeat.Interval
	}
	if c.Heartbeat.Liveness == 0 {
		c.Heartbeat.Liveness = def.Heartbeat.Liveness
	}
	if c.Heartbeat.Expiry == 0 {
		c.Heartbeat.Expiry = c.Heartbeat.Interval * time.Duration(c.Heartbeat.Liveness+1)
	}
	if c.Backoff.InitialDelay == 0 {
		c.Backoff.InitialDelay = def.Backoff.InitialDelay
	}
	if c.Backoff.Multiplier == 0 {
		c.Backoff.Multiplier = def.Backoff.Multiplier
	}
	if strings.TrimSpace(c.CorrelationPrefix) == "" {
		c.CorrelationPrefix = "bridge-" + uuid.NewString()[:8]
	}
	return c
}

func (c Config) Validate() error {
	if _, err := transport.ParseEndpoint(c.Endpoint); err != nil {
		return fmt.Errorf("%w: endpoint: %v", ErrInvalidConfig, err)
	}
	if c.MaxRetries < 1 {
		return fmt.Errorf("%w: max retries must be >= 1, got %d", ErrInvalidConfig, c.MaxRetries)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("%w: timeout must be > 0, got %s", ErrInvalidConfig, c.Timeout)
	}
	if c.Heartbeat.Interval <= 0 {
		return fmt.Errorf("%w: heartbeat interval must be > 0, got %s", ErrInvalidConfig, c.Heartbeat.Interval)
	}
	if c.Heartbeat.Liveness < 1 {
		return fmt.Errorf("%w: heartbeat liveness must be >= 1, got %d", ErrInvalidConfig, c.Heartbeat.Liveness)
	}
	if c.Heartbeat.Expiry < 0 {
		return fmt.Errorf("%w: heartbeat expiry must be >= 0, got %s", ErrInvalidConfig, c.Heartbeat.Expiry)
	}
	if c.Backoff.InitialDelay < 0 || c.Backoff.MaxDelay < 0 {
		return fmt.Errorf("%w: backoff delays must be >= 0", ErrInvalidConfig)
	}
	if strings.ContainsAny(c.CorrelationPrefix, " \t\r\n") {
		return fmt.Errorf("%w: correlation prefix must not contain whitespace", ErrInvalidConfig)
	}
	return nil
}
