package statemachine

// Option configures a Machine at construction.
type Option func(*Machine)

const defaultMachineName = "statemachine"

// WithName sets the machine name used in logs, metrics and spans.
func WithName(name string) Option {
	return func(m *Machine) {
		if name != "" {
			m.name = name
		}
	}
}

// WithScheduler sets the scheduler used to launch Run loops.
// The default is GoroutineScheduler.
func WithScheduler(scheduler Scheduler) Option {
	return func(m *Machine) {
		if scheduler != nil {
			m.scheduler = scheduler
		}
	}
}

// WithJoinPolicy sets how long transitions wait for outgoing Run loops.
// The default is UnboundedJoin.
func WithJoinPolicy(policy JoinPolicy) Option {
	return func(m *Machine) {
		if policy != nil {
			m.joinPolicy = policy
		}
	}
}

// WithErrorPolicy sets the policy receiving contained failures.
// The default forwards every failure to the machine's Logger.
func WithErrorPolicy(policy ErrorPolicy) Option {
	return func(m *Machine) {
		if policy != nil {
			m.errorPolicy = policy
		}
	}
}

// WithLogger sets the logging hooks. The default is NewDefaultLogger(nil).
func WithLogger(log Logger) Option {
	return func(m *Machine) {
		if log != nil {
			m.logger = log
		}
	}
}

// WithReplayCurrentByDefault makes every Subscribe call behave as if
// WithReplayCurrent was given.
func WithReplayCurrentByDefault() Option {
	return func(m *Machine) {
		m.replayByDefault = true
	}
}

// WithStopHook registers a function called once the machine has stopped, for
// releasing resources the machine was built with (such as a worker pool).
// Hooks run outside the transition lock and must not wait for run loops that
// were abandoned after a join timeout, since those may never return.
func WithStopHook(hook func()) Option {
	return func(m *Machine) {
		if hook != nil {
			m.stopHooks = append(m.stopHooks, hook)
		}
	}
}
