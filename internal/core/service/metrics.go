package service

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for run-loop activity.
type Metrics struct {
	tasksConsumed   prometheus.Counter
	taskOutcomes    *prometheus.CounterVec
	dispatchSeconds prometheus.Histogram
	tasksActive     prometheus.Gauge
}

// MustNewMetrics registers the collectors with the given registerer,
// panicking on duplicate registration the way promauto does. Pass a
// fresh registry in tests.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &Metrics{
		tasksConsumed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "agentgrid",
			Subsystem: "runner",
			Name:      "tasks_consumed_total",
			Help:      "Tasks dequeued from the domain queue.",
		}),
		taskOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "agentgrid",
			Subsystem: "runner",
			Name:      "task_outcomes_total",
			Help:      "Published terminal results by status.",
		}, []string{"status"}),
		dispatchSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "agentgrid",
			Subsystem: "runner",
			Name:      "dispatch_duration_seconds",
			Help:      "Wall-clock time from dequeue to published result.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 2, 14),
		}),
		tasksActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "agentgrid",
			Subsystem: "runner",
			Name:      "tasks_active",
			Help:      "Tasks currently being processed by this instance.",
		}),
	}
	reg.MustRegister(m.tasksConsumed, m.taskOutcomes, m.dispatchSeconds, m.tasksActive)
	return m
}
