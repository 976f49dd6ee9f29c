package testing

import (
	"context"
	"fmt"
	"time"

	"github.com/amp-labs/amp-fsm/statemachine"
	"go.uber.org/atomic"
)

// RecordingState is a configurable State that journals its hooks. The zero
// behavior is a cooperative state whose hooks succeed and whose run loop waits
// for cancellation.
type RecordingState struct {
	StateName string
	Journal   *Journal
	Probe     *ConcurrencyProbe

	// EnterErr, ExitErr and RunErr are returned by the matching method.
	// RunErr is returned immediately, before any requested transition.
	EnterErr error
	ExitErr  error
	RunErr   error

	// PanicOn makes the state panic at the given event.
	PanicOn Event

	// Next, when set, is requested through Transitioner once NextAfter has
	// elapsed in the run loop.
	Next         statemachine.State
	NextAfter    time.Duration
	Transitioner statemachine.Transitioner

	// Block, when set, makes the run loop ignore cancellation and wait for
	// Block to be closed instead.
	Block <-chan struct{}

	// EnterDelay and ExitDelay make the hooks take time.
	EnterDelay time.Duration
	ExitDelay  time.Duration

	enters atomic.Int32
	exits  atomic.Int32
	runs   atomic.Int32
}

var _ statemachine.State = (*RecordingState)(nil)

// NewRecordingState creates a cooperative recording state.
func NewRecordingState(name string, journal *Journal) *RecordingState {
	return &RecordingState{StateName: name, Journal: journal}
}

func (s *RecordingState) Name() string {
	return s.StateName
}

func (s *RecordingState) OnEnter(context.Context) error {
	s.enters.Inc()
	s.record(EventEnter)
	s.maybePanic(EventEnter)

	if s.EnterDelay > 0 {
		time.Sleep(s.EnterDelay)
	}

	return s.EnterErr
}

func (s *RecordingState) OnExit(context.Context) error {
	s.exits.Inc()
	s.record(EventExit)
	s.maybePanic(EventExit)

	if s.ExitDelay > 0 {
		time.Sleep(s.ExitDelay)
	}

	return s.ExitErr
}

func (s *RecordingState) Run(ctx context.Context) error {
	s.runs.Inc()

	if s.Probe != nil {
		s.Probe.Enter()
		defer s.Probe.Leave()
	}

	s.record(EventRunStart)
	defer s.record(EventRunEnd)

	s.maybePanic(EventRunStart)

	if s.RunErr != nil {
		return s.RunErr
	}

	if s.Next != nil && s.Transitioner != nil {
		if err := statemachine.Delay(ctx, s.NextAfter); err != nil {
			return err
		}

		if err := s.Transitioner.RequestTransition(s.Next); err != nil {
			return fmt.Errorf("request transition to %s: %w", s.Next.Name(), err)
		}
	}

	if s.Block != nil {
		<-s.Block

		return nil
	}

	<-ctx.Done()

	return ctx.Err()
}

// Enters returns how many times OnEnter was called.
func (s *RecordingState) Enters() int {
	return int(s.enters.Load())
}

// Exits returns how many times OnExit was called.
func (s *RecordingState) Exits() int {
	return int(s.exits.Load())
}

// Runs returns how many times Run was started.
func (s *RecordingState) Runs() int {
	return int(s.runs.Load())
}

func (s *RecordingState) record(event Event) {
	if s.Journal != nil {
		s.Journal.Record(s.StateName, event)
	}
}

func (s *RecordingState) maybePanic(event Event) {
	if s.PanicOn != "" && s.PanicOn == event {
		panic(fmt.Sprintf("%s panicked on %s", s.StateName, event))
	}
}
