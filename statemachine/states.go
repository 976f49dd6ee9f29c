package statemachine

import (
	"context"
	"time"
)

// BaseState is embeddable in State implementations that only need some of
// the hooks. Its hooks do nothing and its Run blocks until canceled.
type BaseState struct {
	StateName string
}

func (b BaseState) Name() string {
	return b.StateName
}

func (BaseState) OnEnter(context.Context) error {
	return nil
}

func (BaseState) OnExit(context.Context) error {
	return nil
}

func (BaseState) Run(ctx context.Context) error {
	<-ctx.Done()

	return ctx.Err()
}

// StateFuncs builds a State out of plain functions. Nil hooks do nothing; a
// nil RunFunc blocks until canceled.
type StateFuncs struct {
	StateName string
	EnterFunc func(ctx context.Context) error
	ExitFunc  func(ctx context.Context) error
	RunFunc   func(ctx context.Context) error
}

var (
	_ State = (*StateFuncs)(nil)
	_ State = BaseState{}
)

func (s *StateFuncs) Name() string {
	return s.StateName
}

func (s *StateFuncs) OnEnter(ctx context.Context) error {
	if s.EnterFunc == nil {
		return nil
	}

	return s.EnterFunc(ctx)
}

func (s *StateFuncs) OnExit(ctx context.Context) error {
	if s.ExitFunc == nil {
		return nil
	}

	return s.ExitFunc(ctx)
}

func (s *StateFuncs) Run(ctx context.Context) error {
	if s.RunFunc == nil {
		<-ctx.Done()

		return ctx.Err()
	}

	return s.RunFunc(ctx)
}

// Delay sleeps for d or until ctx is done, whichever comes first. It returns
// ctx.Err() when interrupted, so run loops can write
//
//	if err := statemachine.Delay(ctx, interval); err != nil {
//		return err
//	}
func Delay(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
