package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/amp-labs/amp-fsm/logger"
	"github.com/amp-labs/amp-fsm/retry"
	"github.com/amp-labs/amp-fsm/statemachine"
	"go.uber.org/atomic"
)

var errConnectFailed = errors.New("connection refused")

const (
	stateIdle         = "Idle"
	stateConnecting   = "Connecting"
	stateConnected    = "Connected"
	stateDisconnected = "Disconnected"
)

var stateNames = []string{stateIdle, stateConnecting, stateConnected, stateDisconnected}

// simulator builds the connection states. With a nil transitioner the states
// never move on their own and the operator drives the machine.
type simulator struct {
	cfg          simConfig
	transitioner statemachine.Transitioner
	backoff      retry.Backoff
	attempts     atomic.Int64
	// failures counts failed attempts since the last successful connection.
	failures atomic.Uint64
}

func newSimulator(cfg simConfig, transitioner statemachine.Transitioner) *simulator {
	return &simulator{
		cfg:          cfg,
		transitioner: transitioner,
		backoff: retry.ExpBackoff{
			Base:   cfg.ReconnectDelay,
			Max:    cfg.ReconnectMax,
			Factor: 2, //nolint:mnd
			Jitter: retry.EqualJitter,
		},
	}
}

// state returns a fresh state for name, or nil for an unknown name.
func (s *simulator) state(name string) statemachine.State { //nolint:ireturn
	switch name {
	case stateIdle:
		return s.idle()
	case stateConnecting:
		return s.connecting()
	case stateConnected:
		return s.connected()
	case stateDisconnected:
		return s.disconnected()
	default:
		return nil
	}
}

// request asks for the next state. A discarded or refused request only
// means the machine already moved on.
func (s *simulator) request(ctx context.Context, next string) {
	if s.transitioner == nil {
		return
	}

	if err := s.transitioner.RequestTransition(s.state(next)); err != nil {
		logger.Get(ctx).Debug("Transition request refused", "to", next, "error", err)
	}
}

func (s *simulator) idle() statemachine.State { //nolint:ireturn
	return &statemachine.StateFuncs{
		StateName: stateIdle,
		RunFunc: func(ctx context.Context) error {
			s.request(ctx, stateConnecting)

			<-ctx.Done()

			return ctx.Err()
		},
	}
}

func (s *simulator) connecting() statemachine.State { //nolint:ireturn
	return &statemachine.StateFuncs{
		StateName: stateConnecting,
		EnterFunc: func(ctx context.Context) error {
			attempt := s.attempts.Inc()

			logger.Get(ctx).Info("Dialing", "attempt", attempt)

			return nil
		},
		RunFunc: func(ctx context.Context) error {
			if err := statemachine.Delay(ctx, s.cfg.ConnectDelay); err != nil {
				return err
			}

			attempt := s.attempts.Load()
			if s.cfg.FailEvery > 0 && attempt%int64(s.cfg.FailEvery) == 0 {
				s.failures.Inc()
				s.request(ctx, stateDisconnected)

				return fmt.Errorf("attempt %d: %w", attempt, errConnectFailed)
			}

			s.request(ctx, stateConnected)

			<-ctx.Done()

			return ctx.Err()
		},
	}
}

func (s *simulator) connected() statemachine.State { //nolint:ireturn
	return &statemachine.StateFuncs{
		StateName: stateConnected,
		EnterFunc: func(context.Context) error {
			s.failures.Store(0)

			return nil
		},
		RunFunc: func(ctx context.Context) error {
			if err := statemachine.Delay(ctx, s.cfg.SessionLength); err != nil {
				return err
			}

			s.request(ctx, stateDisconnected)

			<-ctx.Done()

			return ctx.Err()
		},
	}
}

func (s *simulator) disconnected() statemachine.State { //nolint:ireturn
	return &statemachine.StateFuncs{
		StateName: stateDisconnected,
		RunFunc: func(ctx context.Context) error {
			delay := s.backoff.Delay(uint(s.failures.Load()))

			logger.Get(ctx).Info("Reconnecting", "in", delay)

			if err := statemachine.Delay(ctx, delay); err != nil {
				return err
			}

			s.request(ctx, stateConnecting)

			<-ctx.Done()

			return ctx.Err()
		},
	}
}
