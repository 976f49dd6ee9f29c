package statemachine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/amp-labs/amp-fsm/future"
	"github.com/amp-labs/amp-fsm/logger"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/atomic"
)

// activation is the machine's bookkeeping for the state currently occupying
// it. All fields except retiring are written before the activation becomes
// visible and never change afterwards, except task which is only touched
// while holding Machine.transitionMu.
type activation struct {
	id        uuid.UUID
	seq       uint64
	state     State
	ctx       context.Context //nolint:containedctx
	cancel    context.CancelFunc
	task      *future.Future[struct{}]
	enteredAt time.Time

	// retiring is set, under Machine.mu, once the activation's context was
	// canceled. Transition requests made from then on are discarded.
	retiring bool
	// scheduleFailed means task carries the scheduler's error, which was
	// already reported, rather than the outcome of Run.
	scheduleFailed bool
}

func (a *activation) snapshot() Activation {
	return Activation{
		ID:        a.id,
		Sequence:  a.seq,
		State:     a.state,
		EnteredAt: a.enteredAt,
	}
}

// request is a pending transition recorded through the Transitioner. seq is
// the activation that was current when the request was made.
type request struct {
	next State
	seq  uint64
}

// Machine is an asynchronous state-machine controller. Construct it with New;
// the zero value is not usable.
//
// Start, TransitionTo and Stop are serialized: concurrent calls never
// interleave their steps. They must not be called from inside a State's hooks
// or Run loop, since the call would wait for the state itself. States use the
// Transitioner instead.
type Machine struct {
	name            string
	scheduler       Scheduler
	joinPolicy      JoinPolicy
	errorPolicy     ErrorPolicy
	logger          Logger
	replayByDefault bool
	stopHooks       []func()

	baseCtx context.Context //nolint:containedctx
	pub     *publisher

	seq       atomic.Uint64
	phase     atomic.Int32
	abandoned atomic.Int64

	// transitionMu serializes the whole hand-off protocol, joins included.
	transitionMu sync.Mutex

	// mu guards the fields below. It is never held while waiting on a state,
	// so readers are not blocked by a slow join.
	mu      sync.Mutex
	current *activation
	changed chan struct{}
	mailbox []request
	wake    chan struct{}
	done    chan struct{}
}

// New creates an inert machine. Nothing runs until Start is called.
func New(opts ...Option) *Machine {
	m := &Machine{
		name:       defaultMachineName,
		scheduler:  GoroutineScheduler{},
		joinPolicy: UnboundedJoin(),
		pub:        newPublisher(),
		changed:    make(chan struct{}),
		wake:       make(chan struct{}, 1),
		done:       make(chan struct{}),
	}

	for _, opt := range opts {
		opt(m)
	}

	if m.logger == nil {
		m.logger = NewDefaultLogger(nil)
	}

	if m.errorPolicy == nil {
		m.errorPolicy = logFailures{logger: m.logger}
	}

	m.baseCtx = logger.With(context.Background(), "machine", m.name)

	return m
}

// Name returns the machine name.
func (m *Machine) Name() string {
	return m.name
}

// Phase returns the lifecycle phase.
func (m *Machine) Phase() Phase {
	return Phase(m.phase.Load())
}

// Done returns a channel that is closed once the machine has stopped.
func (m *Machine) Done() <-chan struct{} {
	return m.done
}

// AbandonedTasks returns the number of Run loops abandoned after a join
// timeout that have not returned yet.
func (m *Machine) AbandonedTasks() int {
	return int(m.abandoned.Load())
}

// CurrentState returns the state of the current activation, or nil before
// Start and after Stop.
func (m *Machine) CurrentState() State { //nolint:ireturn
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return nil
	}

	return m.current.state
}

// Current returns a snapshot of the current activation.
func (m *Machine) Current() (Activation, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.current == nil {
		return Activation{}, false
	}

	return m.current.snapshot(), true
}

// Subscribe attaches a new consumer of the activation stream. The stream
// carries one event per successful Start or TransitionTo, in hand-off order.
// Subscribing to a stopped machine returns an already closed stream.
//
// Callers should receive until the channel closes or call Unsubscribe. A
// subscription that stops receiving holds its queue and goroutine until then,
// or for at most a minute after the machine stops.
func (m *Machine) Subscribe(opts ...SubscribeOption) *Subscription {
	options := subscribeOptions{replayCurrent: m.replayByDefault}

	for _, opt := range opts {
		opt(&options)
	}

	return m.pub.subscribe(options)
}

// Transitioner returns the capability states use to request transitions.
//
// A request is attributed to the activation that is current when it is made.
// It is applied later by the machine's dispatcher, and discarded if that
// activation is no longer current by then (another transition happened, or the
// machine stopped). Requests made while the current activation is being
// retired are discarded right away.
func (m *Machine) Transitioner() Transitioner { //nolint:ireturn
	return transitioner{machine: m}
}

type transitioner struct {
	machine *Machine
}

func (t transitioner) RequestTransition(next State) error {
	return t.machine.requestTransition(next)
}

// Start activates the initial state: OnEnter runs on the caller's goroutine,
// the activation is published, and Run is scheduled. Start returns without
// waiting for Run.
func (m *Machine) Start(initial State) error {
	if initial == nil {
		return misuse("Start", ErrNilState)
	}

	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	switch m.Phase() {
	case PhaseActive:
		return misuse("Start", ErrAlreadyStarted)
	case PhaseStopped:
		return misuse("Start", ErrStopped)
	case PhaseNotStarted:
	}

	ctx, span := startTransitionSpan(m.baseCtx, m.name, "", initial.Name())
	defer span.End()

	m.activate(ctx, span, nil, m.newActivation(initial))

	transitionsTotal.WithLabelValues(m.name, sanitizeState(""), initial.Name()).Inc()

	go m.dispatch()

	return nil
}

// TransitionTo hands the machine off to next. It cancels the current
// activation, waits for its Run loop to return (subject to the JoinPolicy),
// calls its OnExit, makes next current, calls next's OnEnter, publishes the
// new activation and schedules next's Run. It returns once Run is scheduled.
//
// Failures raised by either state are contained and reported to the
// ErrorPolicy; TransitionTo only fails on misuse.
func (m *Machine) TransitionTo(next State) error {
	if next == nil {
		return misuse("TransitionTo", ErrNilState)
	}

	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	switch m.Phase() {
	case PhaseNotStarted:
		return misuse("TransitionTo", ErrNotStarted)
	case PhaseStopped:
		return misuse("TransitionTo", ErrStopped)
	case PhaseActive:
	}

	m.handOff(next)

	return nil
}

// Stop retires the current activation (cancel, join, OnExit), clears the
// current state, closes every subscription and the Done channel, and discards
// pending transition requests. Stop is terminal. Calling it again is a no-op.
//
// Stop hooks run after the machine has stopped, outside the transition lock.
func (m *Machine) Stop() error {
	hooks, err := m.stop()
	if err != nil {
		return err
	}

	for _, hook := range hooks {
		hook()
	}

	return nil
}

// stop takes the transition lock and runs stopLocked. It returns the stop
// hooks to run, or none when the machine was already stopped.
func (m *Machine) stop() ([]func(), error) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	switch m.Phase() {
	case PhaseNotStarted:
		return nil, misuse("Stop", ErrNotStarted)
	case PhaseStopped:
		return nil, nil
	case PhaseActive:
	}

	return m.stopLocked(), nil
}

// stopLocked runs the stop protocol. transitionMu must be held and the
// machine must be active.
func (m *Machine) stopLocked() []func() {
	outgoing, _ := m.retire(nil)

	ctx, span := startStopSpan(m.baseCtx, m.name, stateName(stateOf(outgoing)))
	defer span.End()

	if outgoing != nil {
		m.join(ctx, outgoing)
		m.exit(ctx, outgoing)
		activeState.WithLabelValues(m.name, outgoing.state.Name()).Set(0)
	}

	m.mu.Lock()
	m.current = nil
	m.mailbox = nil
	m.phase.Store(int32(PhaseStopped))
	close(m.done)
	m.broadcastLocked()
	m.mu.Unlock()

	m.pub.close()

	return m.stopHooks
}

// WaitUntil blocks until pred holds for the current state or timeout elapses.
// It reports whether pred was satisfied. It must not be called from a State's
// hooks or Run loop.
func (m *Machine) WaitUntil(pred Predicate, timeout time.Duration) bool {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	return m.WaitUntilContext(ctx, pred) == nil
}

// WaitUntilContext blocks until pred holds for the current state or ctx is
// done, in which case ctx.Err() is returned. If the machine stops while pred
// does not hold, ErrStopped is returned without waiting for ctx.
func (m *Machine) WaitUntilContext(ctx context.Context, pred Predicate) error {
	for {
		m.mu.Lock()
		state := stateOf(m.current)
		changed := m.changed
		phase := m.Phase()
		m.mu.Unlock()

		if pred(state) {
			return nil
		}

		if phase == PhaseStopped {
			return misuse("WaitUntil", ErrStopped)
		}

		select {
		case <-changed:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (m *Machine) newActivation(state State) *activation {
	ctx, cancel := context.WithCancel(m.baseCtx)

	return &activation{
		id:     uuid.New(),
		seq:    m.seq.Inc(),
		state:  state,
		ctx:    ctx,
		cancel: cancel,
	}
}

// retire cancels the current activation and, when next is non-nil, allocates
// the incoming activation, both under the field lock so that nobody observes a
// half-updated record.
func (m *Machine) retire(next State) (outgoing, incoming *activation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	outgoing = m.current
	if outgoing != nil {
		outgoing.retiring = true
		outgoing.cancel()
	}

	if next != nil {
		incoming = m.newActivation(next)
	}

	return outgoing, incoming
}

// handOff runs the full transition protocol. transitionMu must be held and the
// machine must be active.
func (m *Machine) handOff(next State) {
	start := time.Now()

	outgoing, incoming := m.retire(next)
	from := stateName(stateOf(outgoing))

	ctx, span := startTransitionSpan(m.baseCtx, m.name, from, next.Name())
	defer span.End()

	if outgoing != nil {
		m.join(ctx, outgoing)
		m.exit(ctx, outgoing)
	}

	m.activate(ctx, span, outgoing, incoming)

	transitionsTotal.WithLabelValues(m.name, sanitizeState(from), next.Name()).Inc()
	m.logger.TransitionExecuted(ctx, from, next.Name(), time.Since(start))
}

// join waits for the outgoing Run loop. Expected cancellation is absorbed;
// any other outcome is reported as a FailureRun.
func (m *Machine) join(ctx context.Context, outgoing *activation) {
	if outgoing.task == nil {
		return
	}

	start := time.Now()

	defer func() {
		joinDuration.WithLabelValues(m.name, outgoing.state.Name()).Observe(time.Since(start).Seconds())
	}()

	if timeout := m.joinPolicy.JoinTimeout(outgoing.snapshot()); timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()

		select {
		case <-outgoing.task.Done():
		case <-timer.C:
			m.abandon(ctx, outgoing, timeout)

			return
		}
	}

	_, err := outgoing.task.Await()
	if err == nil || outgoing.scheduleFailed || isExpectedCancellation(outgoing.ctx, err) {
		return
	}

	m.fail(ctx, Failure{Kind: FailureRun, Activation: outgoing.snapshot(), Err: err})
}

// abandon gives up on a Run loop that ignored cancellation. The task stays
// tracked until it returns.
func (m *Machine) abandon(ctx context.Context, outgoing *activation, timeout time.Duration) {
	snapshot := outgoing.snapshot()

	m.abandoned.Inc()
	abandonedTasks.WithLabelValues(m.name).Inc()

	m.fail(ctx, Failure{
		Kind:       FailureJoinTimeout,
		Activation: snapshot,
		Err:        fmt.Errorf("%w within %s", ErrJoinTimeout, timeout),
	})

	outgoing.task.OnResult(func(result future.Result[struct{}]) {
		m.abandoned.Dec()
		abandonedTasks.WithLabelValues(m.name).Dec()

		args := []any{
			"state", snapshot.StateName(),
			"activation_id", snapshot.ID.String(),
		}

		if result.Error != nil && !isExpectedCancellation(outgoing.ctx, result.Error) {
			args = append(args, "error", result.Error)
		}

		logger.Get(m.baseCtx).Info("Abandoned run loop returned", args...)
	})
}

func (m *Machine) exit(ctx context.Context, outgoing *activation) {
	snapshot := outgoing.snapshot()

	if err := callHook(ctx, outgoing.state.OnExit); err != nil {
		m.fail(ctx, Failure{Kind: FailureExit, Activation: snapshot, Err: err})
	}

	m.logger.StateExited(ctx, snapshot, time.Since(outgoing.enteredAt))
}

// activate makes incoming current, enters it, publishes it and schedules its
// Run loop.
func (m *Machine) activate(ctx context.Context, span trace.Span, outgoing, incoming *activation) {
	incoming.enteredAt = time.Now()

	m.mu.Lock()
	m.current = incoming
	m.phase.Store(int32(PhaseActive))
	m.broadcastLocked()
	m.mu.Unlock()

	if outgoing != nil {
		activeState.WithLabelValues(m.name, outgoing.state.Name()).Set(0)
	}

	activeState.WithLabelValues(m.name, incoming.state.Name()).Set(1)

	snapshot := incoming.snapshot()
	annotateActivation(span, snapshot)

	if err := callHook(ctx, incoming.state.OnEnter); err != nil {
		m.fail(ctx, Failure{Kind: FailureEnter, Activation: snapshot, Err: err})
	}

	m.logger.StateEntered(ctx, snapshot)

	m.pub.publish(snapshot)

	m.launch(ctx, incoming)
}

func (m *Machine) launch(ctx context.Context, incoming *activation) {
	task, promise := future.New[struct{}]()
	incoming.task = task

	runCtx := incoming.ctx
	state := incoming.state

	err := m.scheduler.Schedule(runCtx, func() {
		promise.Complete(future.Run(func() (struct{}, error) {
			return struct{}{}, state.Run(runCtx)
		}))
	})
	if err != nil {
		incoming.scheduleFailed = true
		promise.Failure(err)

		m.fail(ctx, Failure{Kind: FailureSchedule, Activation: incoming.snapshot(), Err: err})
	}
}

// fail records a contained failure and hands it to the ErrorPolicy.
func (m *Machine) fail(ctx context.Context, failure Failure) {
	failuresTotal.WithLabelValues(m.name, sanitizeState(failure.Activation.StateName()), failure.Kind.String()).Inc()
	recordFailure(ctx, failure)

	defer func() {
		if r := recover(); r != nil {
			logger.Get(ctx).Error("Error policy panicked", "error", future.PanicError(r, debug.Stack()))
		}
	}()

	m.errorPolicy.HandleFailure(ctx, failure)
}

func (m *Machine) requestTransition(next State) error {
	if next == nil {
		return misuse("RequestTransition", ErrNilState)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Phase() != PhaseActive || m.current == nil {
		return misuse("RequestTransition", ErrNotActive)
	}

	if m.current.retiring {
		return nil
	}

	m.mailbox = append(m.mailbox, request{next: next, seq: m.current.seq})

	select {
	case m.wake <- struct{}{}:
	default:
	}

	return nil
}

// dispatch applies recorded transition requests in order until the machine
// stops.
func (m *Machine) dispatch() {
	for {
		select {
		case <-m.done:
			return
		case <-m.wake:
		}

		for {
			req, ok := m.popRequest()
			if !ok {
				break
			}

			m.apply(req)
		}
	}
}

func (m *Machine) popRequest() (request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if len(m.mailbox) == 0 {
		return request{}, false
	}

	req := m.mailbox[0]
	m.mailbox[0] = request{}
	m.mailbox = m.mailbox[1:]

	return req, true
}

func (m *Machine) apply(req request) {
	m.transitionMu.Lock()
	defer m.transitionMu.Unlock()

	m.mu.Lock()
	stale := m.Phase() != PhaseActive || m.current == nil || m.current.seq != req.seq
	m.mu.Unlock()

	if stale {
		logger.Get(m.baseCtx).Debug("Discarding stale transition request",
			"to", req.next.Name(),
			"requested_by_sequence", req.seq,
		)

		return
	}

	m.handOff(req.next)
}

// broadcastLocked wakes every waiter. m.mu must be held.
func (m *Machine) broadcastLocked() {
	close(m.changed)
	m.changed = make(chan struct{})
}

func stateOf(a *activation) State { //nolint:ireturn
	if a == nil {
		return nil
	}

	return a.state
}

func isExpectedCancellation(ctx context.Context, err error) bool {
	return ctx.Err() != nil &&
		(errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

func callHook(ctx context.Context, hook func(context.Context) error) error {
	_, err := future.Run(func() (struct{}, error) {
		return struct{}{}, hook(ctx)
	})

	return err
}
