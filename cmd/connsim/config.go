package main

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/amp-labs/amp-fsm/statemachine"
	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

var errInvalidTiming = errors.New("simulator delays must be positive")

// simConfig holds the simulator's own settings.
type simConfig struct {
	MetricsAddr    string        `env:"CONNSIM_METRICS_ADDR"    envDefault:":9090"`
	ConnectDelay   time.Duration `env:"CONNSIM_CONNECT_DELAY"   envDefault:"500ms"`
	SessionLength  time.Duration `env:"CONNSIM_SESSION_LENGTH"  envDefault:"3s"`
	ReconnectDelay time.Duration `env:"CONNSIM_RECONNECT_DELAY" envDefault:"1s"`
	ReconnectMax   time.Duration `env:"CONNSIM_RECONNECT_MAX"   envDefault:"30s"`
	// FailEvery makes every n-th connection attempt fail. Zero never fails.
	FailEvery int `env:"CONNSIM_FAIL_EVERY" envDefault:"0"`
}

func (c simConfig) validate() error {
	if c.ConnectDelay <= 0 || c.SessionLength <= 0 || c.ReconnectDelay <= 0 {
		return errInvalidTiming
	}

	if c.ReconnectMax < c.ReconnectDelay {
		return fmt.Errorf("CONNSIM_RECONNECT_MAX %s is below CONNSIM_RECONNECT_DELAY %s", c.ReconnectMax, c.ReconnectDelay)
	}

	if c.FailEvery < 0 {
		return fmt.Errorf("CONNSIM_FAIL_EVERY must not be negative, got %d", c.FailEvery)
	}

	return nil
}

// loadEnvFiles loads .env files into the environment. Missing files are
// fine; variables already set win.
func loadEnvFiles(paths ...string) error {
	for _, path := range paths {
		if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("loading %s: %w", path, err)
		}
	}

	return nil
}

// loadConfig reads the simulator settings from the environment and the
// machine settings from configPath when given, else from FSM_* variables.
func loadConfig(configPath string) (simConfig, *statemachine.Config, error) {
	sim, err := env.ParseAs[simConfig]()
	if err != nil {
		return simConfig{}, nil, fmt.Errorf("parsing simulator environment: %w", err)
	}

	if err := sim.validate(); err != nil {
		return simConfig{}, nil, err
	}

	var machine *statemachine.Config

	if configPath != "" {
		machine, err = statemachine.LoadConfig(configPath)
	} else {
		machine, err = statemachine.ConfigFromEnv()
	}

	if err != nil {
		return simConfig{}, nil, err
	}

	return sim, machine, nil
}
