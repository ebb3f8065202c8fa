// Package observability exports Prometheus counters for the orchestrator.
package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "bifrost"

var (
	// jobsProcessed counts jobs leaving a batch.
	// Labels: type, status (completed, failed, awaiting_hitl, deferred)
	jobsProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "processed_total",
		Help:      "Jobs run by the batch processor, by outcome",
	}, []string{"type", "status"})

	pendingJobs = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "jobs",
		Name:      "pending",
		Help:      "Pending jobs after the last batch",
	})

	// taskTransitions counts task status changes reported by workers.
	taskTransitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "transitions_total",
		Help:      "Swarm task status updates",
	}, []string{"type", "status"})

	// llmRequests counts provider calls. Labels: provider, outcome (success, error)
	llmRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "requests_total",
		Help:      "LLM provider calls",
	}, []string{"provider", "outcome"})

	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "llm",
		Name:      "tokens_total",
		Help:      "Tokens consumed per provider",
	}, []string{"provider"})

	// webhookEvents counts inbound webhooks. Labels: source, outcome (handled, ignored, rejected)
	webhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "webhooks",
		Name:      "events_total",
		Help:      "Inbound webhook events",
	}, []string{"source", "outcome"})

	rateLimited = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the token bucket",
	})

	httpRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by route and status code",
	}, []string{"route", "code"})

	// heartbeats counts heartbeat runs. Labels: outcome (ok, error, skipped)
	heartbeats = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "heartbeat",
		Name:      "runs_total",
		Help:      "Heartbeat runs",
	}, []string{"outcome"})

	heartbeatDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "heartbeat",
		Name:      "duration_seconds",
		Help:      "Time spent in one heartbeat",
		Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30},
	})

	circuitsRecovered = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "circuits",
		Name:      "recovered_total",
		Help:      "Circuits force-closed by maintenance",
	}, []string{"circuit"})
)

// Handler serves the default registry in the Prometheus text format.
func Handler() http.Handler {
	return promhttp.Handler()
}

// JobProcessed records one batch outcome.
func JobProcessed(jobType, status string) {
	jobsProcessed.WithLabelValues(jobType, status).Inc()
}

// SetPendingJobs records the queue depth.
func SetPendingJobs(n int) {
	pendingJobs.Set(float64(n))
}

// TaskTransition records a task status update.
func TaskTransition(taskType, status string) {
	taskTransitions.WithLabelValues(taskType, status).Inc()
}

// LLMCall records one provider call.
func LLMCall(provider string, tokens int, err error) {
	if err != nil {
		llmRequests.WithLabelValues(provider, "error").Inc()
		return
	}
	llmRequests.WithLabelValues(provider, "success").Inc()
	llmTokens.WithLabelValues(provider).Add(float64(tokens))
}

// WebhookEvent records an inbound webhook.
func WebhookEvent(source, outcome string) {
	webhookEvents.WithLabelValues(source, outcome).Inc()
}

// RateLimited records a rejected request.
func RateLimited() {
	rateLimited.Inc()
}

// HTTPRequest records a served request.
func HTTPRequest(route string, code int) {
	httpRequests.WithLabelValues(route, strconv.Itoa(code)).Inc()
}

// Heartbeat records a heartbeat run and how long it took.
func Heartbeat(outcome string, d time.Duration) {
	heartbeats.WithLabelValues(outcome).Inc()
	if outcome != "skipped" {
		heartbeatDuration.Observe(d.Seconds())
	}
}

// CircuitRecovered records a maintenance reset.
func CircuitRecovered(circuit string) {
	circuitsRecovered.WithLabelValues(circuit).Inc()
}
