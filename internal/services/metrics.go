package services

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all custom Prometheus metrics for the application
type Metrics struct {
	// Engine metrics
	BlockExecutions *prometheus.CounterVec
	BlockDuration   *prometheus.HistogramVec
	WorkflowRuns    *prometheus.CounterVec
	RunDuration     prometheus.Histogram

	// Scheduler metrics
	ScheduleOutcomes *prometheus.CounterVec

	// WebSocket metrics
	WebSocketConnections prometheus.Gauge
	WebSocketMessages    *prometheus.CounterVec
}

var (
	globalMetrics *Metrics
	metricsOnce   sync.Once
)

func newMetrics() *Metrics {
	return &Metrics{
		BlockExecutions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blockflow_block_executions_total",
			Help: "Total number of block dispatches by kind and status",
		}, []string{"kind", "status"}), // status: "success" or "failure"

		BlockDuration: promauto.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "blockflow_block_duration_seconds",
			Help:    "Block handler latency in seconds",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 120},
		}, []string{"kind"}),

		WorkflowRuns: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blockflow_workflow_runs_total",
			Help: "Total number of workflow runs by outcome",
		}, []string{"status"}),

		RunDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "blockflow_workflow_run_duration_seconds",
			Help:    "Workflow run latency in seconds",
			Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120, 600},
		}),

		ScheduleOutcomes: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blockflow_schedule_outcomes_total",
			Help: "Scheduled run outcomes: success, failure, disabled, usage_exceeded, skipped",
		}, []string{"outcome"}),

		WebSocketConnections: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "blockflow_websocket_connections_active",
			Help: "Number of active WebSocket connections",
		}),

		WebSocketMessages: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "blockflow_websocket_messages_total",
			Help: "Total number of WebSocket messages by type",
		}, []string{"type", "direction"}), // direction: "inbound" or "outbound"
	}
}

// GetMetrics returns the process-wide metrics, registering them on first use
func GetMetrics() *Metrics {
	metricsOnce.Do(func() {
		globalMetrics = newMetrics()
	})
	return globalMetrics
}

// RecordBlock records one block dispatch
func (m *Metrics) RecordBlock(kind string, success bool, seconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.BlockExecutions.WithLabelValues(kind, status).Inc()
	m.BlockDuration.WithLabelValues(kind).Observe(seconds)
}

// RecordRun records a finished workflow run
func (m *Metrics) RecordRun(success bool, seconds float64) {
	status := "success"
	if !success {
		status = "failure"
	}
	m.WorkflowRuns.WithLabelValues(status).Inc()
	m.RunDuration.Observe(seconds)
}

// RecordSchedule records the outcome of one scheduled run
func (m *Metrics) RecordSchedule(outcome string) {
	m.ScheduleOutcomes.WithLabelValues(outcome).Inc()
}

// RecordWebSocketConnect records a new WebSocket connection
func (m *Metrics) RecordWebSocketConnect() {
	m.WebSocketConnections.Inc()
}

// RecordWebSocketDisconnect records a WebSocket disconnection
func (m *Metrics) RecordWebSocketDisconnect() {
	m.WebSocketConnections.Dec()
}

// RecordWebSocketMessage records a WebSocket message
func (m *Metrics) RecordWebSocketMessage(msgType, direction string) {
	m.WebSocketMessages.WithLabelValues(msgType, direction).Inc()
}
