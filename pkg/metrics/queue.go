package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// QueueMetrics records throughput and latency for the submission queue.
type QueueMetrics struct {
	duration      *prometheus.HistogramVec
	processed     *prometheus.CounterVec
	activeWorkers prometheus.Gauge
	depth         *prometheus.GaugeVec
}

// NewQueueMetrics registers the queue metrics on the provided registerer.
func NewQueueMetrics(reg prometheus.Registerer) *QueueMetrics {
	if reg == nil {
		return &QueueMetrics{}
	}
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "submission_job_duration_seconds",
		Help:    "Duration of submission job processing in seconds.",
		Buckets: prometheus.DefBuckets,
	}, []string{"queue"})
	processed := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "submission_jobs_processed",
		Help: "Submission jobs by terminal outcome.",
	}, []string{"queue", "outcome"})
	activeWorkers := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "submission_active_workers",
		Help: "Workers currently processing a submission job.",
	})
	depth := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "submission_queue_depth",
		Help: "Jobs per state at the last stats refresh.",
	}, []string{"queue", "state"})
	reg.MustRegister(duration, processed, activeWorkers, depth)
	return &QueueMetrics{
		duration:      duration,
		processed:     processed,
		activeWorkers: activeWorkers,
		depth:         depth,
	}
}

// ObserveJobDuration records how long one job took to process.
func (m *QueueMetrics) ObserveJobDuration(queue string, duration time.Duration) {
	if m == nil || m.duration == nil {
		return
	}
	m.duration.WithLabelValues(normalizeLabel(queue)).Observe(duration.Seconds())
}

// IncProcessed increments the processed counter for the given outcome.
func (m *QueueMetrics) IncProcessed(queue, outcome string) {
	if m == nil || m.processed == nil {
		return
	}
	m.processed.WithLabelValues(normalizeLabel(queue), normalizeLabel(outcome)).Inc()
}

// WorkerStarted marks one worker as busy.
func (m *QueueMetrics) WorkerStarted() {
	if m == nil || m.activeWorkers == nil {
		return
	}
	m.activeWorkers.Inc()
}

// WorkerDone marks one worker as idle again.
func (m *QueueMetrics) WorkerDone() {
	if m == nil || m.activeWorkers == nil {
		return
	}
	m.activeWorkers.Dec()
}

// SetDepth publishes the number of jobs in the given state.
func (m *QueueMetrics) SetDepth(queue, state string, count int64) {
	if m == nil || m.depth == nil {
		return
	}
	m.depth.WithLabelValues(normalizeLabel(queue), normalizeLabel(state)).Set(float64(count))
}

func normalizeLabel(value string) string {
	if value == "" {
		return "unknown"
	}
	return value
}
