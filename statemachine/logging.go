package statemachine

import (
	"context"
	"log/slog"
	"time"

	"github.com/amp-labs/amp-fsm/logger"
)

// Logger provides logging hooks for state machine execution.
type Logger interface {
	StateEntered(ctx context.Context, activation Activation)
	StateExited(ctx context.Context, activation Activation, duration time.Duration)
	TransitionExecuted(ctx context.Context, from, to string, duration time.Duration)
	FailureObserved(ctx context.Context, failure Failure)
}

// DefaultLogger implements Logger using slog.
type DefaultLogger struct {
	logger *slog.Logger
}

// NewDefaultLogger creates a new default logger. With a nil *slog.Logger the
// logger configured by the logger package is used, including the values
// attached to the context.
func NewDefaultLogger(log *slog.Logger) *DefaultLogger {
	return &DefaultLogger{
		logger: log,
	}
}

func (l *DefaultLogger) get(ctx context.Context) *slog.Logger {
	if l.logger != nil {
		return l.logger
	}

	return logger.Get(ctx)
}

func (l *DefaultLogger) StateEntered(ctx context.Context, activation Activation) {
	l.get(ctx).InfoContext(ctx, "State entered",
		"state", activation.StateName(),
		"activation_id", activation.ID.String(),
		"sequence", activation.Sequence,
	)
}

func (l *DefaultLogger) StateExited(ctx context.Context, activation Activation, duration time.Duration) {
	l.get(ctx).InfoContext(ctx, "State exited",
		"state", activation.StateName(),
		"activation_id", activation.ID.String(),
		"sequence", activation.Sequence,
		"duration_ms", duration.Milliseconds(),
	)
}

func (l *DefaultLogger) TransitionExecuted(ctx context.Context, from, to string, duration time.Duration) {
	l.get(ctx).InfoContext(ctx, "Transition executed",
		"from", from,
		"to", to,
		"duration_ms", duration.Milliseconds(),
	)
}

// FailureObserved logs contained failures at error level, except join
// timeouts which are logged as warnings since the machine keeps going.
func (l *DefaultLogger) FailureObserved(ctx context.Context, failure Failure) {
	err := logger.AnnotateError(failure.Err,
		"state", failure.Activation.StateName(),
		"activation_id", failure.Activation.ID.String(),
		"sequence", failure.Activation.Sequence,
	)

	level := slog.LevelError
	if failure.Kind == FailureJoinTimeout {
		level = slog.LevelWarn
	}

	l.get(ctx).Log(ctx, level, "State failure contained",
		"kind", failure.Kind.String(),
		"error", err,
	)
}
