package statemachine

import (
	"context"
	"time"
)

// Scheduler launches Run loops without blocking the caller.
type Scheduler interface {
	Schedule(ctx context.Context, task func()) error
}

// GoroutineScheduler runs every task on a fresh goroutine. It is the default.
type GoroutineScheduler struct{}

func (GoroutineScheduler) Schedule(_ context.Context, task func()) error {
	go task()

	return nil
}

// JoinPolicy decides how long a transition waits for the outgoing Run loop to
// return after its context was canceled. Zero or a negative duration means
// wait forever.
type JoinPolicy interface {
	JoinTimeout(outgoing Activation) time.Duration
}

type joinPolicy time.Duration

func (p joinPolicy) JoinTimeout(Activation) time.Duration {
	return time.Duration(p)
}

// UnboundedJoin waits for the outgoing Run loop however long it takes. A Run
// loop that ignores cancellation blocks the transition indefinitely.
func UnboundedJoin() JoinPolicy { //nolint:ireturn
	return joinPolicy(0)
}

// BoundedJoin waits at most d for the outgoing Run loop. On expiry the task is
// abandoned: a FailureJoinTimeout is reported, the outgoing OnExit is called
// and the transition proceeds. The abandoned task is tracked until it returns
// (see Machine.AbandonedTasks).
func BoundedJoin(d time.Duration) JoinPolicy { //nolint:ireturn
	return joinPolicy(d)
}

// FailureKind classifies a contained failure.
type FailureKind int

const (
	// FailureEnter means OnEnter returned an error or panicked.
	FailureEnter FailureKind = iota + 1
	// FailureExit means OnExit returned an error or panicked.
	FailureExit
	// FailureRun means Run returned an unexpected error or panicked.
	FailureRun
	// FailureJoinTimeout means Run did not return within the join timeout.
	FailureJoinTimeout
	// FailureSchedule means the Scheduler refused to launch Run.
	FailureSchedule
)

func (k FailureKind) String() string {
	switch k {
	case FailureEnter:
		return "enter"
	case FailureExit:
		return "exit"
	case FailureRun:
		return "run"
	case FailureJoinTimeout:
		return "join_timeout"
	case FailureSchedule:
		return "schedule"
	default:
		return "unknown"
	}
}

// Failure is a contained error raised while driving a state.
type Failure struct {
	Kind       FailureKind
	Activation Activation
	Err        error
}

// ErrorPolicy receives every contained failure. It cannot abort the
// transition protocol; a panicking policy is recovered and logged.
type ErrorPolicy interface {
	HandleFailure(ctx context.Context, failure Failure)
}

// ErrorPolicyFunc adapts a function to the ErrorPolicy interface.
type ErrorPolicyFunc func(ctx context.Context, failure Failure)

func (f ErrorPolicyFunc) HandleFailure(ctx context.Context, failure Failure) {
	f(ctx, failure)
}

// logFailures is the default ErrorPolicy: it forwards to the machine's Logger.
type logFailures struct {
	logger Logger
}

func (p logFailures) HandleFailure(ctx context.Context, failure Failure) {
	p.logger.FailureObserved(ctx, failure)
}
