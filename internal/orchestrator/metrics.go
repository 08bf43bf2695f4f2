package orchestrator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors that report orchestrator activity.
type Metrics struct {
	workflowDuration *prometheus.HistogramVec
	taskDispatches   *prometheus.CounterVec
	workflowsActive  prometheus.Gauge
}

var (
	defaultMetricsOnce sync.Once
	sharedMetrics      *Metrics
)

// defaultMetrics returns the package-level metrics instance registered with
// the global Prometheus registry. The collectors are created only once to
// avoid duplicate registration panics when several orchestrators share a
// process.
func defaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		sharedMetrics = MustNewMetrics(prometheus.DefaultRegisterer)
	})
	return sharedMetrics
}

// MustNewMetrics constructs a Metrics instance using the provided registerer.
// Collisions with already-registered collectors reuse the existing collector;
// any other registration error panics, mirroring the promauto helpers.
func MustNewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	workflowDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "devflow",
			Subsystem: "orchestrator",
			Name:      "workflow_duration_seconds",
			Help:      "Wall-clock duration of workflow executions by final status.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"status"},
	)
	taskDispatches := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "devflow",
			Subsystem: "orchestrator",
			Name:      "task_dispatches_total",
			Help:      "Task dispatch outcomes observed by the execution loop.",
		},
		[]string{"status"},
	)
	workflowsActive := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "devflow",
			Subsystem: "orchestrator",
			Name:      "workflows_active",
			Help:      "Number of workflows currently executing.",
		},
	)

	collectors := []prometheus.Collector{workflowDuration, taskDispatches, workflowsActive}
	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			if already, ok := err.(prometheus.AlreadyRegisteredError); ok {
				switch collector.(type) {
				case *prometheus.HistogramVec:
					workflowDuration = already.ExistingCollector.(*prometheus.HistogramVec)
				case *prometheus.CounterVec:
					taskDispatches = already.ExistingCollector.(*prometheus.CounterVec)
				case prometheus.Gauge:
					workflowsActive = already.ExistingCollector.(prometheus.Gauge)
				}
				continue
			}
			panic(err)
		}
	}

	return &Metrics{
		workflowDuration: workflowDuration,
		taskDispatches:   taskDispatches,
		workflowsActive:  workflowsActive,
	}
}

// ObserveWorkflowDuration records one finished workflow.
func (m *Metrics) ObserveWorkflowDuration(status string, duration time.Duration) {
	if m == nil || m.workflowDuration == nil {
		return
	}
	m.workflowDuration.WithLabelValues(status).Observe(duration.Seconds())
}

// IncDispatch counts one task dispatch outcome.
func (m *Metrics) IncDispatch(status string) {
	if m == nil || m.taskDispatches == nil {
		return
	}
	m.taskDispatches.WithLabelValues(status).Inc()
}

// IncActiveWorkflows marks a workflow execution as started.
func (m *Metrics) IncActiveWorkflows() {
	if m == nil || m.workflowsActive == nil {
		return
	}
	m.workflowsActive.Inc()
}

// DecActiveWorkflows marks a workflow execution as finished.
func (m *Metrics) DecActiveWorkflows() {
	if m == nil || m.workflowsActive == nil {
		return
	}
	m.workflowsActive.Dec()
}
