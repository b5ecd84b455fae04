package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize         prometheus.Gauge
	enqueueTotal      prometheus.Counter
	dequeueTotal      *prometheus.CounterVec
	executionDuration prometheus.Histogram
	abandonedTotal    prometheus.Counter

	activeSessions prometheus.Gauge
	busySessions   prometheus.Gauge
	sweptSessions  prometheus.Counter

	processSpawnTotal *prometheus.CounterVec
	toolEventsTotal   *prometheus.CounterVec
	droppedLinesTotal prometheus.Counter

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration prometheus.Histogram
	agentCostUSD     prometheus.Counter

	gatewayClients prometheus.Gauge

	persistedTokens prometheus.Gauge
	configReloads   *prometheus.CounterVec
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentd_queue_size",
					Help: "Requests waiting behind a busy identity, summed over all identities.",
				},
			),
			enqueueTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agentd_enqueue_total",
					Help: "Total requests queued because their identity was busy.",
				},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_completion_total",
					Help: "Total request completions by status.",
				},
				[]string{"status"},
			),
			executionDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentd_execution_duration_seconds",
					Help:    "Wall-clock duration of one request execution.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				},
			),
			abandonedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agentd_abandoned_requests_total",
					Help: "Queued requests dropped by reset or delete.",
				},
			),
			activeSessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentd_active_sessions",
					Help: "Current session count.",
				},
			),
			busySessions: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentd_busy_sessions",
					Help: "Sessions with an execution in flight.",
				},
			),
			sweptSessions: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agentd_swept_sessions_total",
					Help: "Idle sessions removed by the sweeper.",
				},
			),
			processSpawnTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_process_spawn_total",
					Help: "Agent process spawns by status.",
				},
				[]string{"status"},
			),
			toolEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_tool_events_total",
					Help: "Tool notifications by phase.",
				},
				[]string{"phase"},
			),
			droppedLinesTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agentd_dropped_lines_total",
					Help: "Agent output lines dropped as malformed or oversized.",
				},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_agent_run_total",
					Help: "Agent runs by outcome.",
				},
				[]string{"outcome"},
			),
			agentRunDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "agentd_agent_reported_duration_seconds",
					Help:    "Duration reported by the agent in its terminal result.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300, 600},
				},
			),
			agentCostUSD: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "agentd_agent_cost_usd_total",
					Help: "Cumulative cost reported by agent results.",
				},
			),
			gatewayClients: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentd_gateway_clients",
					Help: "Connected gateway clients.",
				},
			),
			persistedTokens: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "agentd_persisted_tokens",
					Help: "Resume tokens held by the token store.",
				},
			),
			configReloads: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agentd_config_reloads_total",
					Help: "Config file reloads by result.",
				},
				[]string{"result"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.executionDuration,
			m.abandonedTotal,
			m.activeSessions,
			m.busySessions,
			m.sweptSessions,
			m.processSpawnTotal,
			m.toolEventsTotal,
			m.droppedLinesTotal,
			m.agentRunTotal,
			m.agentRunDuration,
			m.agentCostUSD,
			m.gatewayClients,
			m.persistedTokens,
			m.configReloads,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func RecordEnqueue() {
	m := getMetrics()
	m.enqueueTotal.Inc()
	m.queueSize.Inc()
}

func RecordDequeue() {
	getMetrics().queueSize.Dec()
}

func RecordAbandoned(count int) {
	if count <= 0 {
		return
	}
	m := getMetrics()
	m.abandonedTotal.Add(float64(count))
	m.queueSize.Sub(float64(count))
}

func RecordCompletion(duration time.Duration, status string) {
	m := getMetrics()
	m.dequeueTotal.WithLabelValues(status).Inc()
	m.executionDuration.Observe(duration.Seconds())
}

func SetActiveSessions(count int) {
	getMetrics().activeSessions.Set(float64(count))
}

func AddBusySessions(delta int) {
	getMetrics().busySessions.Add(float64(delta))
}

func RecordSweptSessions(count int) {
	getMetrics().sweptSessions.Add(float64(count))
}

func RecordProcessSpawn(success bool) {
	status := "error"
	if success {
		status = "success"
	}
	getMetrics().processSpawnTotal.WithLabelValues(status).Inc()
}

func RecordToolEvent(phase string) {
	getMetrics().toolEventsTotal.WithLabelValues(phase).Inc()
}

func RecordDroppedLine() {
	getMetrics().droppedLinesTotal.Inc()
}

// RecordAgentRun records one run outcome ("success", "agent_error",
// "no_result", "spawn_error", "cancelled") with the agent-reported
// duration and cost when a terminal result was seen.
func RecordAgentRun(outcome string, reported time.Duration, costUSD float64) {
	m := getMetrics()
	m.agentRunTotal.WithLabelValues(outcome).Inc()
	if reported > 0 {
		m.agentRunDuration.Observe(reported.Seconds())
	}
	if costUSD > 0 {
		m.agentCostUSD.Add(costUSD)
	}
}

func SetGatewayClients(count int) {
	getMetrics().gatewayClients.Set(float64(count))
}

func SetPersistedTokens(count int) {
	getMetrics().persistedTokens.Set(float64(count))
}

// RecordConfigReload counts a reload attempt: "applied" or "restart_required".
func RecordConfigReload(result string) {
	getMetrics().configReloads.WithLabelValues(result).Inc()
}
