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

	runTotal    *prometheus.CounterVec
	runDuration *prometheus.HistogramVec

	modelCallTotal    *prometheus.CounterVec
	modelCallDuration *prometheus.HistogramVec

	toolExecutionTotal    *prometheus.CounterVec
	toolExecutionDuration *prometheus.HistogramVec
	toolErrorsTotal       *prometheus.CounterVec

	checkpointOpsTotal      *prometheus.CounterVec
	checkpointDegradedTotal prometheus.Counter

	jobsClaimedTotal   prometheus.Counter
	triggerEventsTotal *prometheus.CounterVec

	webhookRequestsTotal *prometheus.CounterVec
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
			runTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "runs_total",
					Help: "Completed runs by terminal outcome.",
				},
				[]string{"outcome"},
			),
			runDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "run_duration_seconds",
					Help:    "Run duration in seconds by terminal outcome.",
					Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
				},
				[]string{"outcome"},
			),
			modelCallTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "model_calls_total",
					Help: "Model calls by provider and status.",
				},
				[]string{"provider", "status"},
			),
			modelCallDuration: prometheus.NewHistogramVec(
				prometheus.HistogramOpts{
					Name:    "model_call_duration_seconds",
					Help:    "Model call duration in seconds by provider.",
					Buckets: prometheus.DefBuckets,
				},
				[]string{"provider"},
			),
			toolExecutionTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_executions_total",
					Help: "Tool executions by tool and status.",
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
			toolErrorsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "tool_errors_total",
					Help: "Tool execution errors by tool.",
				},
				[]string{"tool"},
			),
			checkpointOpsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "checkpoint_ops_total",
					Help: "Checkpoint store operations by kind.",
				},
				[]string{"op"},
			),
			checkpointDegradedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "checkpoint_degraded_reads_total",
					Help: "Checkpoint reads that fell back to the raw state blob.",
				},
			),
			jobsClaimedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "jobs_claimed_total",
					Help: "Due jobs claimed by the scheduler.",
				},
			),
			triggerEventsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "trigger_events_total",
					Help: "Inbound trigger events by match result.",
				},
				[]string{"matched"},
			),
			webhookRequestsTotal: prometheus.NewCounterVec(
				prometheus.CounterOpts{
					Name: "webhook_requests_total",
					Help: "Webhook requests by signature verdict.",
				},
				[]string{"verdict"},
			),
		}

		prometheus.MustRegister(
			m.queueSize,
			m.enqueueTotal,
			m.dequeueTotal,
			m.taskDuration,
			m.runTotal,
			m.runDuration,
			m.modelCallTotal,
			m.modelCallDuration,
			m.toolExecutionTotal,
			m.toolExecutionDuration,
			m.toolErrorsTotal,
			m.checkpointOpsTotal,
			m.checkpointDegradedTotal,
			m.jobsClaimedTotal,
			m.triggerEventsTotal,
			m.webhookRequestsTotal,
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

func RecordRun(outcome string, duration time.Duration) {
	m := getMetrics()
	m.runTotal.WithLabelValues(outcome).Inc()
	m.runDuration.WithLabelValues(outcome).Observe(duration.Seconds())
}

func RecordModelCall(provider string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.modelCallTotal.WithLabelValues(provider, status).Inc()
	m.modelCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
}

func RecordToolExecution(tool string, duration time.Duration, success bool) {
	m := getMetrics()
	status := "error"
	if success {
		status = "success"
	}
	m.toolExecutionTotal.WithLabelValues(tool, status).Inc()
	m.toolExecutionDuration.WithLabelValues(tool).Observe(duration.Seconds())
	if !success {
		m.toolErrorsTotal.WithLabelValues(tool).Inc()
	}
}

func RecordCheckpointOp(op string) {
	getMetrics().checkpointOpsTotal.WithLabelValues(op).Inc()
}

func RecordCheckpointDegraded() {
	getMetrics().checkpointDegradedTotal.Inc()
}

func RecordJobClaimed() {
	getMetrics().jobsClaimedTotal.Inc()
}

func RecordTriggerEvent(matched bool) {
	label := "false"
	if matched {
		label = "true"
	}
	getMetrics().triggerEventsTotal.WithLabelValues(label).Inc()
}

func RecordWebhookRequest(verdict string) {
	getMetrics().webhookRequestsTotal.WithLabelValues(verdict).Inc()
}
