// Package coordinator implements the dual-pipeline processing coordinator:
// task admission and routing, one bounded worker pool per pipeline, task
// lifecycle and metrics, and the auto-trigger of state synchronization when
// both halves of a sync-linked pair reach a terminal state.
package coordinator

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
	"golang.org/x/time/rate"

	"github.com/guido-cesarano/dualpipe/pkg/logger"
	"github.com/guido-cesarano/dualpipe/pkg/queue"
	"github.com/guido-cesarano/dualpipe/pkg/store"
	"github.com/guido-cesarano/dualpipe/pkg/syncer"
	"github.com/guido-cesarano/dualpipe/pkg/tasks"
)

// Options configures a Coordinator. Zero fields take the defaults below.
type Options struct {
	RealTimeWorkers      int
	ComprehensiveWorkers int
	RealTimeTimeout      time.Duration
	ComprehensiveTimeout time.Duration
	MaxQueueSize         int
	CompletedHistory     int
	PollInterval         time.Duration

	// SubmitRate limits submissions per task type (events/sec). Zero
	// disables rate limiting.
	SubmitRate  rate.Limit
	SubmitBurst int

	// SyncConfigs is the per-data-type synchronization policy map; nil
	// uses the built-in defaults.
	SyncConfigs map[string]syncer.Config
}

func (o *Options) applyDefaults() {
	if o.RealTimeWorkers <= 0 {
		o.RealTimeWorkers = 4
	}
	if o.ComprehensiveWorkers <= 0 {
		o.ComprehensiveWorkers = 2
	}
	if o.RealTimeTimeout <= 0 {
		o.RealTimeTimeout = 10 * time.Second
	}
	if o.ComprehensiveTimeout <= 0 {
		o.ComprehensiveTimeout = 30 * time.Minute
	}
	if o.MaxQueueSize <= 0 {
		o.MaxQueueSize = 100
	}
	if o.CompletedHistory <= 0 {
		o.CompletedHistory = 500
	}
	if o.PollInterval <= 0 {
		o.PollInterval = 250 * time.Millisecond
	}
	if o.SubmitBurst <= 0 {
		o.SubmitBurst = int(o.SubmitRate)
		if o.SubmitBurst <= 0 {
			o.SubmitBurst = 1
		}
	}
}

type syncPair struct {
	realTimeID      string
	comprehensiveID string
}

// Coordinator owns the two pipeline queues, their worker pools and all task
// and sync-session state. Construct one per process and pass it by
// reference to the transport layer.
type Coordinator struct {
	opts Options
	log  zerolog.Logger

	queues  map[tasks.Pipeline]*queue.PriorityQueue
	store   *store.TaskStore
	syncSt  *store.SyncStore
	syncer  *syncer.Synchronizer
	metrics map[tasks.Pipeline]*PipelineMetrics
	workers map[tasks.Pipeline]*atomic.Int64

	procMu     sync.RWMutex
	processors map[procKey]Processor

	pairMu sync.Mutex
	pairs  map[string]*syncPair

	cancelMu sync.Mutex
	cancels  map[string]context.CancelFunc

	limitMu  sync.Mutex
	limiters map[tasks.Type]*rate.Limiter

	cron *cron.Cron

	ctx     context.Context
	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started bool
}

// New creates a Coordinator. Call Start before submitting work and
// Shutdown when done.
func New(opts Options) (*Coordinator, error) {
	opts.applyDefaults()

	taskStore, err := store.NewTaskStore(opts.CompletedHistory)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Coordinator{
		opts: opts,
		log:  logger.With("coordinator"),
		queues: map[tasks.Pipeline]*queue.PriorityQueue{
			tasks.PipelineRealTime:      queue.New(opts.MaxQueueSize),
			tasks.PipelineComprehensive: queue.New(opts.MaxQueueSize),
		},
		store:  taskStore,
		syncSt: store.NewSyncStore(),
		syncer: syncer.New(opts.SyncConfigs),
		metrics: map[tasks.Pipeline]*PipelineMetrics{
			tasks.PipelineRealTime:      {},
			tasks.PipelineComprehensive: {},
		},
		workers: map[tasks.Pipeline]*atomic.Int64{
			tasks.PipelineRealTime:      {},
			tasks.PipelineComprehensive: {},
		},
		processors: make(map[procKey]Processor),
		pairs:      make(map[string]*syncPair),
		cancels:    make(map[string]context.CancelFunc),
		limiters:   make(map[tasks.Type]*rate.Limiter),
		cron:       cron.New(),
		ctx:        ctx,
		cancel:     cancel,
	}
	return c, nil
}

// Start launches the worker pools, the queue-depth collector and the cron
// runner.
func (c *Coordinator) Start() {
	if c.started {
		return
	}
	c.started = true

	pools := map[tasks.Pipeline]int{
		tasks.PipelineRealTime:      c.opts.RealTimeWorkers,
		tasks.PipelineComprehensive: c.opts.ComprehensiveWorkers,
	}
	for pipeline, n := range pools {
		for i := 0; i < n; i++ {
			c.wg.Add(1)
			go c.runWorker(pipeline, i)
		}
	}

	c.wg.Add(1)
	go c.collectQueueDepths()

	c.cron.Start()
	c.log.Info().
		Int("real_time_workers", c.opts.RealTimeWorkers).
		Int("comprehensive_workers", c.opts.ComprehensiveWorkers).
		Int("max_queue_size", c.opts.MaxQueueSize).
		Msg("Coordinator started")
}

// Shutdown stops the cron runner, signals every worker and waits for them
// to drain, up to the given context's deadline.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	c.cron.Stop()
	c.cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.log.Info().Msg("Coordinator stopped")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

// routePipelines reproduces the admission routing policy:
//
//	priority       single          dual
//	immediate      real_time       real_time
//	fast           real_time       real_time + comprehensive
//	normal         comprehensive   real_time + comprehensive
//	comprehensive  comprehensive   comprehensive
//	deep           comprehensive   comprehensive
func routePipelines(p tasks.Priority, dual bool) []tasks.Pipeline {
	switch p {
	case tasks.PriorityImmediate:
		return []tasks.Pipeline{tasks.PipelineRealTime}
	case tasks.PriorityFast:
		if dual {
			return []tasks.Pipeline{tasks.PipelineRealTime, tasks.PipelineComprehensive}
		}
		return []tasks.Pipeline{tasks.PipelineRealTime}
	case tasks.PriorityNormal:
		if dual {
			return []tasks.Pipeline{tasks.PipelineRealTime, tasks.PipelineComprehensive}
		}
		return []tasks.Pipeline{tasks.PipelineComprehensive}
	default: // comprehensive, deep
		return []tasks.Pipeline{tasks.PipelineComprehensive}
	}
}

// SubmitTask validates and admits a task into the pipelines selected by its
// priority. When two pipelines are targeted the tasks share a generated
// sync id and a pending sync session is pre-registered. Admission fails
// fast with tasks.ErrQueueFull once a target queue is at capacity; on a
// dual submission the already-enqueued half stays admitted and its sync
// session is torn down, leaving it to run as a single-lane task.
func (c *Coordinator) SubmitTask(taskType tasks.Type, input map[string]interface{}, priority tasks.Priority, metadata map[string]interface{}, dualPipeline bool) (map[tasks.Pipeline]string, error) {
	if !taskType.Valid() {
		return nil, fmt.Errorf("%w: %q", tasks.ErrInvalidTaskType, taskType)
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("%w: %q", tasks.ErrInvalidPriority, priority)
	}
	if !c.allowSubmit(taskType) {
		return nil, fmt.Errorf("%w: task type %q", tasks.ErrRateLimited, taskType)
	}

	pipelines := routePipelines(priority, dualPipeline)

	syncID := ""
	if len(pipelines) == 2 {
		syncID = uuid.New().String()
		meta := make(map[string]interface{}, len(metadata)+1)
		for k, v := range metadata {
			meta[k] = v
		}
		meta[tasks.MetaSyncID] = syncID
		metadata = meta
		c.syncSt.Register(syncID)
	}

	// Create and register every task, and the pair, before the first
	// enqueue. A worker can complete a task the moment Enqueue returns, and
	// its sync trigger must already see the pair.
	created := make([]*tasks.Task, 0, len(pipelines))
	pair := &syncPair{}
	for _, pipeline := range pipelines {
		t := &tasks.Task{
			ID:        uuid.New().String(),
			Type:      taskType,
			Pipeline:  pipeline,
			Priority:  priority,
			Input:     input,
			Metadata:  metadata,
			Status:    tasks.StatusQueued,
			CreatedAt: time.Now(),
			Timeout:   c.timeoutFor(pipeline),
		}
		c.store.Put(t)
		if pipeline == tasks.PipelineRealTime {
			pair.realTimeID = t.ID
		} else {
			pair.comprehensiveID = t.ID
		}
		created = append(created, t)
	}
	if syncID != "" {
		c.pairMu.Lock()
		c.pairs[syncID] = pair
		c.pairMu.Unlock()
	}

	ids := make(map[tasks.Pipeline]string, len(pipelines))
	for i, t := range created {
		if err := c.queues[t.Pipeline].Enqueue(t); err != nil {
			for _, rest := range created[i:] {
				c.store.Fail(rest.ID, "enqueue rejected: queue full", false)
			}
			if syncID != "" {
				c.failSync(syncID, "sibling task rejected: queue full")
			}
			return ids, fmt.Errorf("%s pipeline: %w", t.Pipeline, err)
		}

		ids[t.Pipeline] = t.ID
		c.metrics[t.Pipeline].recordSubmit()
		c.log.Debug().
			Str("task_id", t.ID).
			Str("type", string(taskType)).
			Str("pipeline", string(t.Pipeline)).
			Str("priority", string(priority)).
			Str("sync_id", syncID).
			Msg("Task admitted")
	}
	return ids, nil
}

func (c *Coordinator) allowSubmit(taskType tasks.Type) bool {
	if c.opts.SubmitRate <= 0 {
		return true
	}
	c.limitMu.Lock()
	lim, ok := c.limiters[taskType]
	if !ok {
		lim = rate.NewLimiter(c.opts.SubmitRate, c.opts.SubmitBurst)
		c.limiters[taskType] = lim
	}
	c.limitMu.Unlock()
	return lim.Allow()
}

func (c *Coordinator) timeoutFor(pipeline tasks.Pipeline) time.Duration {
	if pipeline == tasks.PipelineRealTime {
		return c.opts.RealTimeTimeout
	}
	return c.opts.ComprehensiveTimeout
}

// TaskResult is the status snapshot returned by GetTaskStatus.
type TaskResult struct {
	TaskID              string                 `json:"task_id"`
	Type                tasks.Type             `json:"type"`
	Pipeline            tasks.Pipeline         `json:"pipeline"`
	Status              tasks.Status           `json:"status"`
	Progress            float64                `json:"progress"`
	Result              map[string]interface{} `json:"result,omitempty"`
	Error               string                 `json:"error,omitempty"`
	TimedOut            bool                   `json:"timed_out,omitempty"`
	Confidence          float64                `json:"confidence,omitempty"`
	ProcessingTime      time.Duration          `json:"processing_time"`
	IsPreliminary       bool                   `json:"is_preliminary"`
	EstimatedCompletion *time.Time             `json:"estimated_completion,omitempty"`
	SyncID              string                 `json:"sync_id,omitempty"`
}

// GetTaskStatus returns a snapshot of one task, or tasks.ErrNotFound.
func (c *Coordinator) GetTaskStatus(taskID string) (*TaskResult, error) {
	t, err := c.store.Get(taskID)
	if err != nil {
		return nil, err
	}

	res := &TaskResult{
		TaskID:         t.ID,
		Type:           t.Type,
		Pipeline:       t.Pipeline,
		Status:         t.Status,
		Progress:       t.Progress,
		Result:         t.Result,
		Error:          t.Error,
		TimedOut:       t.TimedOut,
		Confidence:     t.Confidence,
		ProcessingTime: t.ProcessingTime(),
		IsPreliminary:  t.Status == tasks.StatusProcessing,
		SyncID:         t.SyncID(),
	}
	if !t.Status.Terminal() {
		eta := c.estimateCompletion(t.Pipeline)
		res.EstimatedCompletion = &eta
	}
	return res, nil
}

// estimateCompletion projects when a non-terminal task should finish: the
// pipeline's average processing time from now, or the pipeline deadline
// when there is no history yet.
func (c *Coordinator) estimateCompletion(pipeline tasks.Pipeline) time.Time {
	avg := c.metrics[pipeline].avgProcessing()
	if avg <= 0 {
		avg = c.timeoutFor(pipeline)
	}
	return time.Now().Add(avg)
}

// GetSynchronizedResult returns the merged payload once the sync session is
// synchronized. While only the real-time half is done it returns that
// payload annotated as preliminary with an ETA for the comprehensive half;
// in every other case it reports tasks.ErrNotFound.
func (c *Coordinator) GetSynchronizedResult(syncID string) (map[string]interface{}, error) {
	res, err := c.syncSt.Get(syncID)
	if err != nil {
		return nil, err
	}
	if res.Status == syncer.SyncSynchronized {
		return map[string]interface{}{
			"sync_id":           syncID,
			"status":            string(res.Status),
			"result":            res.MergedResult,
			"consistency_score": res.ConsistencyScore,
			"sync_confidence":   res.SyncConfidence,
		}, nil
	}

	c.pairMu.Lock()
	pair := c.pairs[syncID]
	c.pairMu.Unlock()
	if pair == nil {
		return nil, tasks.ErrNotFound
	}
	rt, err := c.store.Get(pair.realTimeID)
	if err != nil || rt.Status != tasks.StatusCompleted {
		return nil, tasks.ErrNotFound
	}
	comp, err := c.store.Get(pair.comprehensiveID)
	if err != nil || comp.Status.Terminal() {
		// The comprehensive half failed or was cancelled; there is no
		// final result coming, so a preliminary answer would mislead.
		return nil, tasks.ErrNotFound
	}
	eta := c.estimateCompletion(tasks.PipelineComprehensive)
	return map[string]interface{}{
		"sync_id":              syncID,
		"status":               "preliminary",
		"result":               rt.Result,
		"is_preliminary":       true,
		"estimated_completion": eta,
	}, nil
}

// CancelTask cancels a queued or processing task. An in-flight processor
// call is signalled through its context but not forcibly preempted; the
// task is marked Cancelled immediately. Cancelling an already-cancelled
// task is an idempotent no-op; cancelling a completed or failed task
// reports tasks.ErrInvalidState, and neither case double-counts metrics.
func (c *Coordinator) CancelTask(taskID, reason string) (tasks.Status, error) {
	t, err := c.store.Get(taskID)
	if err != nil {
		return "", err
	}

	status, transitioned, err := c.store.Cancel(taskID, reason)
	if err != nil {
		return status, err
	}
	if transitioned {
		// First transition into Cancelled: count it and interrupt the
		// worker if one owns the task.
		c.metrics[t.Pipeline].recordCancellation()
		tasksProcessed.WithLabelValues(string(t.Pipeline), "cancelled", string(t.Type)).Inc()
		c.cancelMu.Lock()
		if cancel, ok := c.cancels[taskID]; ok {
			cancel()
		}
		c.cancelMu.Unlock()
		c.log.Info().Str("task_id", taskID).Str("reason", reason).Msg("Task cancelled")
		c.maybeSynchronize(taskID)
	}
	return status, nil
}

// GetMetrics returns a per-pipeline snapshot of counters, queue depth and
// worker occupancy.
func (c *Coordinator) GetMetrics() map[tasks.Pipeline]MetricsSnapshot {
	out := make(map[tasks.Pipeline]MetricsSnapshot, len(c.metrics))
	for pipeline, m := range c.metrics {
		out[pipeline] = m.snapshot(c.queues[pipeline].Len(), int(c.workers[pipeline].Load()))
	}
	return out
}

// InspectQueue returns up to limit queued tasks for a pipeline in dequeue
// order, without removing them.
func (c *Coordinator) InspectQueue(pipeline tasks.Pipeline, limit int) ([]*tasks.Task, error) {
	q, ok := c.queues[pipeline]
	if !ok {
		return nil, fmt.Errorf("%w: pipeline %q", tasks.ErrNotFound, pipeline)
	}
	return q.Snapshot(limit), nil
}

// SynchronizeManually runs the synchronizer over two payloads outside the
// normal auto-trigger path and stores the result under its sync id.
func (c *Coordinator) SynchronizeManually(realTime, comprehensive map[string]interface{}, dataType, syncID string) *syncer.Result {
	res := c.syncer.Synchronize(realTime, comprehensive, dataType, syncID)
	c.recordSyncMetrics(dataType, res)
	c.syncSt.Put(res)
	return res
}

func (c *Coordinator) recordSyncMetrics(dataType string, res *syncer.Result) {
	for i := range res.Conflicts {
		syncConflicts.WithLabelValues(dataType, string(res.Conflicts[i].Severity)).Inc()
	}
}

func (c *Coordinator) failSync(syncID, reason string) {
	c.syncSt.Put(&syncer.Result{
		SyncID:              syncID,
		Status:              syncer.SyncFailed,
		RealTimeWeight:      syncer.RealTimeBlendWeight,
		ComprehensiveWeight: syncer.ComprehensiveBlendWeight,
		Metadata:            map[string]interface{}{"error": reason},
		CreatedAt:           time.Now(),
	})
}

// collectQueueDepths refreshes the prometheus queue-depth gauges on an
// interval until shutdown.
func (c *Coordinator) collectQueueDepths() {
	defer c.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-c.ctx.Done():
			return
		case <-ticker.C:
			for pipeline, q := range c.queues {
				queueDepth.WithLabelValues(string(pipeline)).Set(float64(q.Len()))
			}
		}
	}
}
