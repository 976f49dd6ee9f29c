package statemachine

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/amp-labs/amp-fsm/bgworker"
	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// Scheduler kinds accepted by Config.
const (
	SchedulerGoroutine = "goroutine"
	SchedulerPool      = "pool"
)

const minPoolSizeWithJoinTimeout = 2

// Config is the declarative form of the machine options. It can be loaded
// from YAML (LoadConfig) or from the environment (ConfigFromEnv).
type Config struct {
	// Name is used in logs, metrics and spans.
	Name string `env:"FSM_NAME" envDefault:"statemachine" json:"name" yaml:"name"`
	// JoinTimeout bounds the wait for outgoing run loops. Zero waits forever.
	JoinTimeout time.Duration `env:"FSM_JOIN_TIMEOUT" json:"joinTimeout" yaml:"joinTimeout"`
	// Scheduler is "goroutine" or "pool".
	Scheduler string `env:"FSM_SCHEDULER" envDefault:"goroutine" json:"scheduler" yaml:"scheduler"`
	// PoolSize sizes a dedicated worker pool when Scheduler is "pool".
	// Zero uses the shared background pool. With a JoinTimeout it must be at
	// least 2.
	PoolSize int `env:"FSM_POOL_SIZE" json:"poolSize" yaml:"poolSize"`
	// ReplayCurrent makes subscriptions start with the current activation.
	ReplayCurrent bool `env:"FSM_REPLAY_CURRENT" json:"replayCurrent" yaml:"replayCurrent"`
}

// DefaultConfig returns the configuration used when nothing is set.
func DefaultConfig() Config {
	return Config{
		Name:      defaultMachineName,
		Scheduler: SchedulerGoroutine,
	}
}

// LoadConfig loads a configuration from a YAML file. Fields missing from the
// file keep their default values; unknown fields are rejected.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path) //nolint:gosec
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	return LoadConfigFromBytes(data)
}

// LoadConfigFromBytes parses and validates a YAML configuration.
func LoadConfigFromBytes(data []byte) (*Config, error) {
	config := DefaultConfig()

	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)

	if err := decoder.Decode(&config); err != nil && !errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// ConfigFromEnv reads the configuration from FSM_* environment variables.
func ConfigFromEnv() (*Config, error) {
	config, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("failed to parse environment: %w", err)
	}

	if err := config.Validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("%w: name is required", ErrInvalidConfig)
	}

	if c.JoinTimeout < 0 {
		return fmt.Errorf("%w: joinTimeout must not be negative", ErrInvalidConfig)
	}

	if c.PoolSize < 0 {
		return fmt.Errorf("%w: poolSize must not be negative", ErrInvalidConfig)
	}

	switch c.Scheduler {
	case SchedulerGoroutine, SchedulerPool:
	default:
		return fmt.Errorf("%w: unknown scheduler %q", ErrInvalidConfig, c.Scheduler)
	}

	// An abandoned run loop keeps its worker, so the next state needs another.
	if c.Scheduler == SchedulerPool && c.JoinTimeout > 0 &&
		c.PoolSize > 0 && c.PoolSize < minPoolSizeWithJoinTimeout {
		return fmt.Errorf("%w: poolSize must be at least %d with a joinTimeout",
			ErrInvalidConfig, minPoolSizeWithJoinTimeout)
	}

	return nil
}

// Options converts the configuration into machine options. A dedicated pool
// (Scheduler "pool" with a PoolSize) is released when the machine stops;
// tasks still running on it, such as abandoned run loops, finish in the
// background.
func (c *Config) Options() []Option {
	opts := []Option{WithName(c.Name)}

	if c.JoinTimeout > 0 {
		opts = append(opts, WithJoinPolicy(BoundedJoin(c.JoinTimeout)))
	}

	if c.Scheduler == SchedulerPool {
		if c.PoolSize > 0 {
			scheduler := bgworker.NewScheduler(c.Name, c.PoolSize)

			opts = append(opts, WithScheduler(scheduler), WithStopHook(scheduler.Release))
		} else {
			opts = append(opts, WithScheduler(bgworker.Default()))
		}
	}

	if c.ReplayCurrent {
		opts = append(opts, WithReplayCurrentByDefault())
	}

	return opts
}
