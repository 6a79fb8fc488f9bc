package metrics

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/dronehub/telemetry-scheduler/internal/domain"
)

// Metrics groups all Prometheus instruments used across the application.
// Registered once at startup via New(); passed by pointer wherever needed.
type Metrics struct {
	TasksPublished *prometheus.CounterVec
	TasksCompleted prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksTimedOut  prometheus.Counter
	TasksRetried   prometheus.Counter

	NotificationsSent   *prometheus.CounterVec
	NotificationsFailed *prometheus.CounterVec

	BrokerReconnects prometheus.Counter

	PendingTasks prometheus.Gauge
	RunningTasks prometheus.Gauge
}

// New registers all instruments with the given Prometheus registerer and
// returns the populated Metrics struct.
// Using a custom registry (instead of prometheus.DefaultRegisterer) keeps
// tests isolated and avoids global state.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		TasksPublished: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_tasks_published_total",
			Help: "Total number of task messages published, by job type.",
		}, []string{"job_type"}),

		TasksCompleted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_tasks_completed_total",
			Help: "Total number of tasks finalized as completed.",
		}),
		TasksFailed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_tasks_failed_total",
			Help: "Total number of tasks finalized as failed.",
		}),
		TasksTimedOut: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_tasks_timed_out_total",
			Help: "Total number of tasks failed by the execution timeout sweep.",
		}),
		TasksRetried: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_tasks_retried_total",
			Help: "Total number of failed tasks reset and republished for retry.",
		}),

		NotificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_notifications_sent_total",
			Help: "Total number of successfully delivered notifications.",
		}, []string{"channel"}),
		NotificationsFailed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "scheduler_notifications_failed_total",
			Help: "Total number of permanently failed notifications (retries exhausted).",
		}, []string{"channel"}),

		BrokerReconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "scheduler_broker_reconnects_total",
			Help: "Total number of broker reconnects.",
		}),

		PendingTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_tasks_pending",
			Help: "Current number of tasks in pending state.",
		}),
		RunningTasks: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "scheduler_tasks_running",
			Help: "Current number of tasks in running state.",
		}),
	}

	reg.MustRegister(
		m.TasksPublished,
		m.TasksCompleted,
		m.TasksFailed,
		m.TasksTimedOut,
		m.TasksRetried,
		m.NotificationsSent,
		m.NotificationsFailed,
		m.BrokerReconnects,
		m.PendingTasks,
		m.RunningTasks,
	)

	return m
}

// ProducerHook returns the publish callback used by the producers.
// Centralises the prometheus observation calls so the producers stay
// import-free.
func (m *Metrics) ProducerHook() func(domain.JobType) {
	return func(jt domain.JobType) {
		m.TasksPublished.WithLabelValues(string(jt)).Inc()
	}
}

// ResultHooks returns the callbacks used by the result handler.
func (m *Metrics) ResultHooks() (onCompleted, onFailed func()) {
	return m.TasksCompleted.Inc, m.TasksFailed.Inc
}

// MonitorHooks returns the callbacks used by the task monitor.
func (m *Metrics) MonitorHooks() (onTimeout, onRetry func()) {
	return m.TasksTimedOut.Inc, m.TasksRetried.Inc
}

// NotificationHooks returns the callbacks used by the notification engine.
func (m *Metrics) NotificationHooks() (onSent, onFailed func(domain.Channel)) {
	onSent = func(ch domain.Channel) {
		m.NotificationsSent.WithLabelValues(string(ch)).Inc()
	}
	onFailed = func(ch domain.Channel) {
		m.NotificationsFailed.WithLabelValues(string(ch)).Inc()
	}
	return
}

// UpdateTaskGauges refreshes the pending/running gauges from a task
// metrics sample.
func (m *Metrics) UpdateTaskGauges(pending, running int64) {
	m.PendingTasks.Set(float64(pending))
	m.RunningTasks.Set(float64(running))
}
