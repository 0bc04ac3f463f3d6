package prometheus

import (
	"errors"
	"time"

	"deferq/internal/sched"

	prom "github.com/prometheus/client_golang/prometheus"
)

// ExporterOptions controls collector configuration.
type ExporterOptions struct {
	DurationBuckets []float64
}

// MetricsExporter adapts sched.Metrics to Prometheus collectors.
type MetricsExporter struct {
	taskDurationSeconds *prom.HistogramVec
	taskFinishedTotal   *prom.CounterVec
	taskCancelledTotal  *prom.CounterVec
	queueDepth          prom.Gauge
}

var _ sched.Metrics = (*MetricsExporter)(nil)

// NewMetricsExporter creates and registers Prometheus collectors for sched.Metrics.
func NewMetricsExporter(namespace string, reg prom.Registerer, opts ExporterOptions) (*MetricsExporter, error) {
	if namespace == "" {
		namespace = "deferq"
	}
	if reg == nil {
		reg = prom.DefaultRegisterer
	}
	buckets := opts.DurationBuckets
	if len(buckets) == 0 {
		buckets = prom.DefBuckets
	}

	durationVec := prom.NewHistogramVec(prom.HistogramOpts{
		Namespace: namespace,
		Name:      "task_duration_seconds",
		Help:      "Time from task start to its terminal state, in seconds.",
		Buckets:   buckets,
	}, []string{"state"})
	finishedVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_finished_total",
		Help:      "Total number of tasks that reached a terminal state.",
	}, []string{"state"})
	cancelledVec := prom.NewCounterVec(prom.CounterOpts{
		Namespace: namespace,
		Name:      "task_cancelled_total",
		Help:      "Total number of tasks cancelled by a scheduler.",
	}, []string{"reason"})
	depth := prom.NewGauge(prom.GaugeOpts{
		Namespace: namespace,
		Name:      "pending_tasks",
		Help:      "Tasks waiting in the scheduler queue.",
	})

	var err error
	if durationVec, err = registerCollector(reg, durationVec); err != nil {
		return nil, err
	}
	if finishedVec, err = registerCollector(reg, finishedVec); err != nil {
		return nil, err
	}
	if cancelledVec, err = registerCollector(reg, cancelledVec); err != nil {
		return nil, err
	}
	if depth, err = registerCollector(reg, depth); err != nil {
		return nil, err
	}

	return &MetricsExporter{
		taskDurationSeconds: durationVec,
		taskFinishedTotal:   finishedVec,
		taskCancelledTotal:  cancelledVec,
		queueDepth:          depth,
	}, nil
}

// RecordTaskFinished counts a terminal task. Tasks that never started only
// count; they have no duration to observe.
func (m *MetricsExporter) RecordTaskFinished(state sched.State, duration time.Duration) {
	if m == nil {
		return
	}
	label := stateLabel(state)
	m.taskFinishedTotal.WithLabelValues(label).Inc()
	if duration > 0 {
		m.taskDurationSeconds.WithLabelValues(label).Observe(duration.Seconds())
	}
}

// RecordQueueDepth records the scheduler queue depth.
func (m *MetricsExporter) RecordQueueDepth(depth int) {
	if m == nil {
		return
	}
	m.queueDepth.Set(float64(depth))
}

// RecordTaskCancelled counts scheduler-driven cancellations.
func (m *MetricsExporter) RecordTaskCancelled(reason string) {
	if m == nil {
		return
	}
	m.taskCancelledTotal.WithLabelValues(normalizeLabel(reason, "unknown")).Inc()
}

func normalizeLabel(v string, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}

func stateLabel(state sched.State) string {
	switch state {
	case sched.StateFulfilled:
		return "fulfilled"
	case sched.StateRejected:
		return "rejected"
	case sched.StateCancelled:
		return "cancelled"
	case sched.StateTimedOut:
		return "timed_out"
	default:
		return "unknown"
	}
}

func registerCollector[T prom.Collector](reg prom.Registerer, collector T) (T, error) {
	err := reg.Register(collector)
	if err == nil {
		return collector, nil
	}
	var are prom.AlreadyRegisteredError
	if errors.As(err, &are) {
		existing, ok := are.ExistingCollector.(T)
		if ok {
			return existing, nil
		}
	}
	var zero T
	return zero, err
}
