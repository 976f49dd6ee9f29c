package bgworker

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	runningWorkersDesc = prometheus.NewDesc(
		"bgworker_pool_running_workers",
		"Number of tasks currently executing in the pool",
		[]string{"pool"}, nil,
	)
	waitingTasksDesc = prometheus.NewDesc(
		"bgworker_pool_waiting_tasks",
		"Number of tasks queued and waiting for a worker",
		[]string{"pool"}, nil,
	)
	submittedTasksDesc = prometheus.NewDesc(
		"bgworker_pool_submitted_tasks_total",
		"Total number of tasks submitted to the pool",
		[]string{"pool"}, nil,
	)
	completedTasksDesc = prometheus.NewDesc(
		"bgworker_pool_completed_tasks_total",
		"Total number of tasks that finished executing",
		[]string{"pool"}, nil,
	)
)

// poolCollector exports the counters pond keeps for every live pool.
type poolCollector struct {
	mu    sync.Mutex
	pools map[*Scheduler]struct{}
}

var collector = &poolCollector{pools: make(map[*Scheduler]struct{})} //nolint:gochecknoglobals

func init() { //nolint:gochecknoinits
	prometheus.MustRegister(collector)
}

func registerPool(s *Scheduler) {
	collector.mu.Lock()
	collector.pools[s] = struct{}{}
	collector.mu.Unlock()
}

func unregisterPool(s *Scheduler) {
	collector.mu.Lock()
	delete(collector.pools, s)
	collector.mu.Unlock()
}

func (c *poolCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- runningWorkersDesc
	ch <- waitingTasksDesc
	ch <- submittedTasksDesc
	ch <- completedTasksDesc
}

type poolStats struct {
	running, waiting, submitted, completed float64
}

// Collect sums the stats of pools sharing a name, so a reused name never
// produces duplicate series.
func (c *poolCollector) Collect(ch chan<- prometheus.Metric) {
	c.mu.Lock()

	stats := make(map[string]*poolStats, len(c.pools))

	for s := range c.pools {
		st, ok := stats[s.name]
		if !ok {
			st = &poolStats{}
			stats[s.name] = st
		}

		st.running += float64(s.pool.RunningWorkers())
		st.waiting += float64(s.pool.WaitingTasks())
		st.submitted += float64(s.pool.SubmittedTasks())
		st.completed += float64(s.pool.CompletedTasks())
	}

	c.mu.Unlock()

	for name, st := range stats {
		ch <- prometheus.MustNewConstMetric(runningWorkersDesc, prometheus.GaugeValue, st.running, name)
		ch <- prometheus.MustNewConstMetric(waitingTasksDesc, prometheus.GaugeValue, st.waiting, name)
		ch <- prometheus.MustNewConstMetric(submittedTasksDesc, prometheus.CounterValue, st.submitted, name)
		ch <- prometheus.MustNewConstMetric(completedTasksDesc, prometheus.CounterValue, st.completed, name)
	}
}
