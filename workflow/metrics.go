package workflow

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics collects engine-level Prometheus metrics. A nil *Metrics is
// valid and records nothing, so instrumentation stays optional.
type Metrics struct {
	executionsTotal *prometheus.CounterVec
	stepsTotal      *prometheus.CounterVec
	stepDuration    *prometheus.HistogramVec
	iterationsTotal *prometheus.CounterVec
	checkpointSaves prometheus.Counter
}

// NewMetrics registers the engine metrics with the given registerer
// (prometheus.DefaultRegisterer is the usual choice).
func NewMetrics(namespace string, reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		executionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_executions_total",
				Help:      "Total workflow executions by outcome",
			},
			[]string{"status"},
		),
		stepsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_steps_total",
				Help:      "Total executed steps by type and outcome",
			},
			[]string{"type", "status"},
		),
		stepDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "workflow_step_duration_seconds",
				Help:      "Step execution duration in seconds",
				Buckets:   prometheus.ExponentialBuckets(0.01, 2, 14),
			},
			[]string{"type"},
		),
		iterationsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_loop_iterations_total",
				Help:      "Total loop iterations by outcome",
			},
			[]string{"status"},
		),
		checkpointSaves: factory.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "workflow_checkpoint_saves_total",
				Help:      "Total checkpoints written",
			},
		),
	}
}

func statusLabel(ok bool) string {
	if ok {
		return "success"
	}
	return "failure"
}

func (m *Metrics) observeExecution(result *WorkflowResult) {
	if m == nil {
		return
	}
	status := statusLabel(result.Success)
	if result.Cancelled {
		status = "cancelled"
	}
	m.executionsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) observeStep(t StepType, d time.Duration, ok bool) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(string(t), statusLabel(ok)).Inc()
	m.stepDuration.WithLabelValues(string(t)).Observe(d.Seconds())
}

func (m *Metrics) observeIteration(ok bool) {
	if m == nil {
		return
	}
	m.iterationsTotal.WithLabelValues(statusLabel(ok)).Inc()
}

func (m *Metrics) observeCheckpoint() {
	if m == nil {
		return
	}
	m.checkpointSaves.Inc()
}
