package statemachine

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metric definitions. State names come from the host's finite set of states,
// so they are safe to use as labels.
var (
	// transitionsTotal counts completed hand-offs. Start is counted with from="none".
	transitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statemachine_transitions_total",
		Help: "Total number of state transitions by machine, from_state and to_state",
	}, []string{"machine", "from_state", "to_state"})

	// failuresTotal counts contained failures by kind.
	failuresTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "statemachine_failures_total",
		Help: "Total number of contained state failures by machine, state and kind",
	}, []string{"machine", "state", "kind"})

	// joinDuration tracks how long transitions wait for outgoing run loops.
	joinDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "statemachine_join_duration_seconds",
		Help:    "Time spent waiting for the outgoing run loop to honor cancellation",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5, 30},
	}, []string{"machine", "state"})

	// activeState is 1 for the current state of each machine and 0 otherwise.
	activeState = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "statemachine_active_state",
		Help: "Current state of each machine (1 for the active state)",
	}, []string{"machine", "state"})

	// abandonedTasks is the number of abandoned run loops still executing.
	abandonedTasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "statemachine_abandoned_tasks",
		Help: "Run loops abandoned after a join timeout that have not returned yet",
	}, []string{"machine"})
)

func sanitizeState(state string) string {
	if state == "" {
		return "none"
	}

	return state
}
