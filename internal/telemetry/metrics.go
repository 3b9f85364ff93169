package telemetry

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	once sync.Once

	WorkflowTransitions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "workflow_transitions_total", Help: "Workflow operations by op and result"}, []string{"op", "result"})
	PlanningTransitions      = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "planning_transitions_total", Help: "Planning operations by op and result"}, []string{"op", "result"})
	HeuristicReconstructions = prometheus.NewCounter(prometheus.CounterOpts{Name: "workflow_heuristic_reconstructions_total", Help: "Workflows rebuilt from legacy cursor and ledger state"})
	EventsPublished          = prometheus.NewCounterVec(prometheus.CounterOpts{Name: "events_published_total", Help: "Outbox events delivered by sink"}, []string{"sink"})
	EventPublishFailures     = prometheus.NewCounter(prometheus.CounterOpts{Name: "events_publish_failures_total", Help: "Outbox deliveries that failed and stay pending"})
	TasksCompleted           = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_completed_total", Help: "Domain tasks handled successfully"})
	TasksFailed              = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_failed_total", Help: "Domain tasks that failed and will retry"})
	TasksDeadLetter          = prometheus.NewCounter(prometheus.CounterOpts{Name: "tasks_dead_letter_total", Help: "Domain tasks moved to DLQ"})
	TaskQueueDepth           = prometheus.NewGauge(prometheus.GaugeOpts{Name: "tasks_queue_depth", Help: "Ready task queue depth"})
	StalledSteps             = prometheus.NewGauge(prometheus.GaugeOpts{Name: "stalled_steps", Help: "Steps flagged stalled by the last sweep"})
	RateLimitRejects         = prometheus.NewCounter(prometheus.CounterOpts{Name: "ratelimit_rejects_total", Help: "Requests rejected by rate limiter"})
)

// Handler exposes /metrics HTTP handler with a singleton registry.
func Handler() http.Handler {
	once.Do(func() {
		prometheus.MustRegister(
			WorkflowTransitions,
			PlanningTransitions,
			HeuristicReconstructions,
			EventsPublished,
			EventPublishFailures,
			TasksCompleted,
			TasksFailed,
			TasksDeadLetter,
			TaskQueueDepth,
			StalledSteps,
			RateLimitRejects,
		)
	})
	return promhttp.Handler()
}
