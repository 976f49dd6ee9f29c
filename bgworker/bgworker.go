// Package bgworker provides pond-backed worker pools that state machines can
// use as their Scheduler, with graceful lifecycle control and Prometheus
// metrics.
package bgworker

import (
	"context"
	"fmt"
	"sync"

	"github.com/alitto/pond/v2"
	"github.com/amp-labs/amp-fsm/logger"
	"github.com/amp-labs/amp-fsm/shutdown"
	"github.com/caarlos0/env/v11"
)

const (
	defaultWorkerCount = 10
	defaultPoolName    = "background"
)

type poolConfig struct {
	WorkerCount int `env:"BACKGROUND_WORKER_COUNT" envDefault:"10"`
}

// Scheduler runs tasks on a bounded pond worker pool. It satisfies the
// statemachine.Scheduler interface.
//
// Each task occupies a worker for its whole duration, so a pool used by state
// machines needs at least one worker per machine that may be running
// concurrently, plus one per run loop that may be abandoned after a join
// timeout. Otherwise the next state's run loop waits in the queue behind the
// abandoned one.
type Scheduler struct {
	name    string
	pool    pond.Pool
	once    sync.Once
	stopped pond.Task
}

// NewScheduler creates a scheduler backed by a new pool of size workers.
// Its metrics are labeled with name, which should be unique among live pools.
func NewScheduler(name string, size int) *Scheduler {
	if size <= 0 {
		size = defaultWorkerCount
	}

	s := &Scheduler{
		name: name,
		pool: pond.NewPool(size),
	}

	registerPool(s)

	return s
}

// Schedule submits task to the pool. It fails once the pool was stopped.
func (s *Scheduler) Schedule(ctx context.Context, task func()) error {
	if err := s.pool.Go(task); err != nil {
		logger.Get(ctx).Warn("Background worker pool rejected task", "pool", s.name, "error", err)

		return fmt.Errorf("bgworker pool %s: %w", s.name, err)
	}

	return nil
}

// Stop stops accepting tasks and waits for running tasks to finish. It is
// idempotent.
func (s *Scheduler) Stop() {
	stopped := s.stop()

	if err := stopped.Wait(); err != nil {
		logger.Get().Warn("Background worker pool stopped with error", "pool", s.name, "error", err)
	}

	unregisterPool(s)
	logger.Get().Debug("Background worker pool stopped", "pool", s.name)
}

// Release stops accepting tasks without waiting for running ones, which
// finish in the background. Use it where a running task may never return,
// such as a run loop abandoned after a join timeout. It is idempotent.
func (s *Scheduler) Release() {
	s.stop()
}

func (s *Scheduler) stop() pond.Task { //nolint:ireturn
	s.once.Do(func() {
		logger.Get().Debug("Stopping background worker pool", "pool", s.name)

		s.stopped = s.pool.Stop()

		go func() {
			<-s.stopped.Done()
			unregisterPool(s)
		}()
	})

	return s.stopped
}

// Stopped reports whether the pool no longer accepts tasks.
func (s *Scheduler) Stopped() bool {
	return s.pool.Stopped()
}

// RunningWorkers returns the number of tasks currently executing.
func (s *Scheduler) RunningWorkers() int64 {
	return s.pool.RunningWorkers()
}

// Default returns the shared background scheduler. It is created on first use
// with BACKGROUND_WORKER_COUNT workers (default 10) and stopped before
// process shutdown.
func Default() *Scheduler {
	return defaultScheduler()
}

var defaultScheduler = sync.OnceValue(func() *Scheduler { //nolint:gochecknoglobals
	count := defaultWorkerCount

	cfg, err := env.ParseAs[poolConfig]()
	if err != nil {
		logger.Get().Warn("Invalid BACKGROUND_WORKER_COUNT, using default",
			"default", defaultWorkerCount, "error", err)
	} else if cfg.WorkerCount > 0 {
		count = cfg.WorkerCount
	}

	logger.Get().Debug("Initializing background worker pool", "count", count)

	scheduler := NewScheduler(defaultPoolName, count)

	shutdown.BeforeShutdown(scheduler.Stop)

	return scheduler
})
