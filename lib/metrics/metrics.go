// Package metrics exposes Prometheus instrumentation for both the
// Master and Worker binaries.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// QueueDepth reports the current count of task files per state
	// directory, labeled "pending", "working", "done", "failed".
	QueueDepth = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "taskmaster_queue_depth",
			Help: "Number of task files currently in each state directory",
		},
		[]string{"state"},
	)

	ConnectedWorkers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "taskmaster_connected_workers",
			Help: "Number of workers currently connected to the Master",
		},
	)

	RequestsIssuedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmaster_requests_issued_total",
			Help: "Total REQUEST and CHECK messages issued by the Master",
		},
		[]string{"type"},
	)

	RequestsTimedOutTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "taskmaster_requests_timed_out_total",
			Help: "Total outstanding requests that expired without an ack",
		},
		[]string{"type"},
	)

	WorkersDisconnectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmaster_workers_disconnected_total",
			Help: "Total workers removed from the registry, for any reason",
		},
	)

	// AgentTaskDuration measures, at the worker, wall time from REQUEST
	// receipt to result classification.
	AgentTaskDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "taskmaster_agent_task_duration_seconds",
			Help:    "Time the agent subprocess spent on one request",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12),
		},
	)

	UsageLimitTripsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "taskmaster_usage_limit_trips_total",
			Help: "Total requests classified USAGE_LIMITED by the agent supervisor",
		},
	)
)

// MustRegisterMaster registers the gauges/counters the Master process
// updates.
func MustRegisterMaster() {
	prometheus.MustRegister(QueueDepth)
	prometheus.MustRegister(ConnectedWorkers)
	prometheus.MustRegister(RequestsIssuedTotal)
	prometheus.MustRegister(RequestsTimedOutTotal)
	prometheus.MustRegister(WorkersDisconnectedTotal)
}

// MustRegisterWorker registers the gauges/counters the Worker process updates.
func MustRegisterWorker() {
	prometheus.MustRegister(AgentTaskDuration)
	prometheus.MustRegister(UsageLimitTripsTotal)
}

// Handler returns the HTTP handler that serves /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
