package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type moduleMetrics struct {
	queueSize    *prometheus.GaugeVec
	enqueueTotal *prometheus.CounterVec
	dequeueTotal *prometheus.CounterVec
	taskDuration *prometheus.HistogramVec

	llmStepTotal    *prometheus.CounterVec
	llmStepDuration *prometheus.HistogramVec
	argumentRepairs *prometheus.CounterVec

	toolCallTotal    *prometheus.CounterVec
	toolCallDuration *prometheus.HistogramVec
	toolErrorsTotal  *prometheus.CounterVec
	toolServiceReady prometheus.Gauge

	agentRunTotal    *prometheus.CounterVec
	agentRunDuration *prometheus.HistogramVec

	runsArchivedTotal prometheus.Counter
	runsPrunedTotal   prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *moduleMetrics
)

func getMetrics() *moduleMetrics {
	metricsOnce.Do(func() {
		m := &moduleMetrics{
			queueSize: prometheus.NewGaugeVec(
				prometheus.GaugeOpts{
					Name: "queue_size",
					Help: "Current queue size by lane.",
				},
				[]string{"lane"},
			),
			enqueueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "enqueue_total",
					Help: "Total enqueue operations by lane.",
				},
				[]string{"lane"},
			),
			dequeueTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "dequeue_total",
					Help: "Total dequeue/completion operations by lane and status.",
				},
				[]string{"lane", "status"},
			),
			taskDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "task_duration_seconds",
					Help:    "Task execution duration in seconds by lane.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"lane"},
			),
			llmStepTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "llm_step_total",
					Help: "Total model thought steps by provider and status.",
				},
				[]string{"provider", "status"},
			),
			llmStepDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "llm_step_duration_seconds",
					Help:    "Model thought step duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			argumentRepairs: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_argument_repairs_total",
					Help: "Total repaired malformed tool argument payloads by classification.",
				},
				[]string{"classification"},
			),
			toolCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_call_total",
					Help: "Total tool calls by tool and status.",
				},
				[]string{"tool", "status"},
			),
			toolCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "tool_call_duration_seconds",
					Help:    "Tool call duration in seconds by tool.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"tool"},
			),
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Total tool call errors by tool.",
				},
				[]string{"tool"},
			),
			toolServiceReady: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "tool_service_ready",
					Help: "Tool service readiness (1 ready, 0 not ready).",
				},
			),
			agentRunTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "agent_run_total",
					Help: "Total agent runs by provider and status.",
				},
				[]string{"provider", "status"},
			),
			agentRunDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "agent_run_duration_seconds",
					Help:    "Agent run duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			runsArchivedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "runs_archived_total",
					Help: "Total finalized run payloads archived.",
				},
			),
			runsPrunedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "runs_pruned_total",
					Help: "Total archived runs removed by retention sweeps.",
				},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.llmStepTotal,
			m.llmStepDuration,
			m.argumentRepairs,
			m.toolCallTotal,
			m.toolCallDuration,
			m.toolErrorsTotal,
			m.toolServiceReady,
			m.agentRunTotal,
			m.agentRunDuration,
			m.runsArchivedTotal,
			m.runsPrunedTotal,
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

func RecordQueueEnqueue(lane string, queueSize int) {
	m := getMetrics()
	m.enqueueTotal.WithLabelValues(lane).Inc()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func SetQueueSize(lane string, queueSize int) {
	m := getMetrics()
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordQueueCompletion(lane string, duration time.Duration, success bool, queueSize int) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.dequeueTotal.WithLabelValues(lane, status).Inc()
	m.taskDuration.WithLabelValues(lane).Observe(duration.Seconds())
	m.queueSize.WithLabelValues(lane).Set(float64(queueSize))
}

func RecordLLMStep(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.llmStepTotal.WithLabelValues(provider, status).Inc()
	m.llmStepDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordArgumentRepair(classification string) {
	getMetrics().argumentRepairs.WithLabelValues(classification).Inc()
}

func RecordToolCall(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolCallTotal.WithLabelValues(tool, status).Inc()
	m.toolCallDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func SetToolServiceReady(ready bool) {
	value := 0.0
	if ready {
		value = 1.0
	}
	getMetrics().toolServiceReady.Set(value)
}

func RecordAgentRun(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.agentRunTotal.WithLabelValues(provider, status).Inc()
	m.agentRunDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordRunArchived() {
	getMetrics().runsArchivedTotal.Inc()
}

func RecordRunsPruned(count int) {
	getMetrics().runsPrunedTotal.Add(float64(count))
}
