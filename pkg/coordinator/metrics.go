package coordinator

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Prometheus metrics for monitoring dual-pipeline processing. Exposed via
// promhttp in cmd/server.
var (
	// tasksProcessed tracks terminal task outcomes.
	// Labels:
	//   - pipeline: "real_time" or "comprehensive"
	//   - status: "success", "failed", "timeout" or "cancelled"
	//   - type: task type (e.g. "transcript_analysis")
	tasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dualpipe_processed_total",
		Help: "The total number of terminal tasks",
	}, []string{"pipeline", "status", "type"})

	// taskDuration tracks processing latency per pipeline and type.
	taskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dualpipe_task_duration_seconds",
		Help:    "Duration of task processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"pipeline", "type"})

	// queueDepth tracks the number of queued tasks per pipeline. Updated
	// periodically by the depth collector goroutine.
	queueDepth = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dualpipe_queue_depth",
		Help: "Number of tasks waiting in each pipeline queue",
	}, []string{"pipeline"})

	// queueLatency tracks the time a task spends queued before processing.
	queueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dualpipe_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"pipeline", "type"})

	// activeWorkers tracks workers currently executing a task.
	activeWorkers = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "dualpipe_active_workers",
		Help: "Workers currently executing a task",
	}, []string{"pipeline"})

	// syncConflicts counts conflicts detected during synchronization.
	syncConflicts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "dualpipe_sync_conflicts_total",
		Help: "Conflicts detected while reconciling pipeline outputs",
	}, []string{"data_type", "severity"})
)

// PipelineMetrics accumulates per-pipeline counters. Each pipeline's
// coordinator/worker code path is the only writer; readers get a consistent
// snapshot without blocking writers for long.
type PipelineMetrics struct {
	mu              sync.Mutex
	total           int64
	completed       int64
	failed          int64
	cancelled       int64
	totalProcessing time.Duration
	recent          []time.Time
}

// MetricsSnapshot is one pipeline's view returned by GetMetrics.
type MetricsSnapshot struct {
	TotalTasks          int64         `json:"total_tasks"`
	CompletedTasks      int64         `json:"completed_tasks"`
	FailedTasks         int64         `json:"failed_tasks"`
	CancelledTasks      int64         `json:"cancelled_tasks"`
	QueueLength         int           `json:"queue_length"`
	ActiveWorkers       int           `json:"active_workers"`
	AvgProcessingTime   time.Duration `json:"avg_processing_time"`
	ThroughputPerMinute float64       `json:"throughput_per_minute"`
	SuccessRate         float64       `json:"success_rate"`
}

func (m *PipelineMetrics) recordSubmit() {
	m.mu.Lock()
	m.total++
	m.mu.Unlock()
}

func (m *PipelineMetrics) recordCompletion(d time.Duration) {
	m.mu.Lock()
	m.completed++
	m.totalProcessing += d
	m.recent = append(m.recent, time.Now())
	m.pruneLocked()
	m.mu.Unlock()
}

func (m *PipelineMetrics) recordFailure() {
	m.mu.Lock()
	m.failed++
	m.mu.Unlock()
}

func (m *PipelineMetrics) recordCancellation() {
	m.mu.Lock()
	m.cancelled++
	m.mu.Unlock()
}

// avgProcessing is also used to estimate completion times for queued tasks.
func (m *PipelineMetrics) avgProcessing() time.Duration {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.completed == 0 {
		return 0
	}
	return m.totalProcessing / time.Duration(m.completed)
}

func (m *PipelineMetrics) pruneLocked() {
	cutoff := time.Now().Add(-time.Minute)
	i := 0
	for ; i < len(m.recent); i++ {
		if m.recent[i].After(cutoff) {
			break
		}
	}
	m.recent = m.recent[i:]
}

func (m *PipelineMetrics) snapshot(queueLen, workers int) MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pruneLocked()

	s := MetricsSnapshot{
		TotalTasks:          m.total,
		CompletedTasks:      m.completed,
		FailedTasks:         m.failed,
		CancelledTasks:      m.cancelled,
		QueueLength:         queueLen,
		ActiveWorkers:       workers,
		ThroughputPerMinute: float64(len(m.recent)),
	}
	if m.completed > 0 {
		s.AvgProcessingTime = m.totalProcessing / time.Duration(m.completed)
	}
	if done := m.completed + m.failed; done > 0 {
		s.SuccessRate = float64(m.completed) / float64(done)
	}
	return s
}
