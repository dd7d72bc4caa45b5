package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	activeSessions prometheus.Gauge
	liveTransports prometheus.Gauge
	queuedMessages prometheus.Gauge
	droppedTotal   prometheus.Counter

	bridgeDepth      prometheus.Gauge
	bridgeTasksTotal *prometheus.CounterVec
	bridgeDuration   prometheus.Histogram

	invocationTotal    *prometheus.CounterVec
	invocationDuration *prometheus.HistogramVec
	rotationTotal      prometheus.Counter

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "active_sessions",
					Help: "Current registered session count.",
				},
			),
			liveTransports: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "live_transports",
					Help: "Current bound streaming transports.",
				},
			),
			queuedMessages: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "queued_messages",
					Help: "Messages queued for disconnected sessions.",
				},
			),
			droppedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "dropped_messages_total",
					Help: "Queued messages dropped due to queue overflow.",
				},
			),
			bridgeDepth: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "bridge_depth",
					Help: "Tasks waiting on the execution bridge dispatcher.",
				},
			),
			bridgeTasksTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "bridge_tasks_total",
					Help: "Total bridge submissions by status.",
				},
				[]string{"status"},
			),
			bridgeDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "bridge_task_duration_seconds",
					Help:    "Bridge task execution duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			invocationTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_invocations_total",
					Help: "Total agent invocations by role and status.",
				},
				[]string{"role", "status"},
			),
			invocationDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_invocation_duration_seconds",
					Help:    "Agent invocation duration in seconds by role.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"role"},
			),
			rotationTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "model_rotations_total",
					Help: "Fallback model rotations performed by the resilience controller.",
				},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_execution_total",
					Help: "Total tool executions by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolExecutionDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_execution_duration_seconds",
					Help:    "Tool execution duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
		}

		prometheus.MustRegister(
			m.activeSessions,
			m.liveTransports,
			m.queuedMessages,
			m.droppedTotal,
			m.bridgeDepth,
			m.bridgeTasksTotal,
			m.bridgeDuration,
			m.invocationTotal,
			m.invocationDuration,
			m.rotationTotal,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered registers all collectors exactly once. Components call it
// from their constructors so metrics exist before the first scrape.
func EnsureRegistered() {
	getMetrics()
}

// MetricsHandler returns the prometheus scrape handler.
func MetricsHandler() http.Handler {
	getMetrics()
	return promhttp.Handler()
}

// SetActiveSessions sets the registered session count.
func SetActiveSessions(n int) {
	getMetrics().activeSessions.Set(float64(n))
}

// SetLiveTransports sets the bound transport count.
func SetLiveTransports(n int) {
	getMetrics().liveTransports.Set(float64(n))
}

// SetQueuedMessages sets the total queued message count.
func SetQueuedMessages(n int) {
	getMetrics().queuedMessages.Set(float64(n))
}

// RecordDroppedMessages counts messages dropped on queue overflow.
func RecordDroppedMessages(n int) {
	getMetrics().droppedTotal.Add(float64(n))
}

// SetBridgeDepth sets the bridge dispatcher backlog.
func SetBridgeDepth(n int) {
	getMetrics().bridgeDepth.Set(float64(n))
}

// RecordBridgeTask records a completed bridge submission.
func RecordBridgeTask(d time.Duration, status string) {
	m := getMetrics()
	m.bridgeTasksTotal.WithLabelValues(status).Inc()
	m.bridgeDuration.Observe(d.Seconds())
}

// RecordInvocation records an agent invocation outcome.
func RecordInvocation(role string, d time.Duration, success bool) {
	m := getMetrics()
	status := "success"
	if !success {
		status = "error"
	}
	m.invocationTotal.WithLabelValues(role, status).Inc()
	m.invocationDuration.WithLabelValues(role).Observe(d.Seconds())
}

// RecordModelRotation counts a fallback rotation.
func RecordModelRotation() {
	getMetrics().rotationTotal.Inc()
}

// RecordToolExecution records a tool execution outcome.
func RecordToolExecution(tool string, d time.Duration, success bool) {
	m := getMetrics()
	status := "success"
	if !success {
		status = "error"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(d.Seconds())
}
