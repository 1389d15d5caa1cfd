package coordinator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/guido-cesarano/dualpipe/pkg/tasks"
)

// runWorker is one member of a pipeline's fixed-size pool. It poll-dequeues
// with a short timeout so shutdown is observed cooperatively rather than
// blocking on an empty queue.
func (c *Coordinator) runWorker(pipeline tasks.Pipeline, id int) {
	defer c.wg.Done()
	log := c.log.With().Str("pipeline", string(pipeline)).Int("worker", id).Logger()
	q := c.queues[pipeline]

	for {
		if c.ctx.Err() != nil {
			return
		}
		t, ok := q.Dequeue(c.ctx, c.opts.PollInterval)
		if !ok {
			continue
		}
		c.execute(log, pipeline, t)
	}
}

type outcome struct {
	result map[string]interface{}
	err    error
}

// execute owns one task from dequeue to terminal state. A processor
// failure or panic is isolated to its task; the worker always returns to
// the loop.
func (c *Coordinator) execute(log zerolog.Logger, pipeline tasks.Pipeline, t *tasks.Task) {
	if err := c.store.MarkProcessing(t.ID); err != nil {
		// Cancelled while queued; nothing to run.
		log.Debug().Str("task_id", t.ID).Msg("Skipping dequeued task in terminal state")
		return
	}

	c.workers[pipeline].Add(1)
	activeWorkers.WithLabelValues(string(pipeline)).Inc()
	defer func() {
		c.workers[pipeline].Add(-1)
		activeWorkers.WithLabelValues(string(pipeline)).Dec()
	}()

	queueLatency.WithLabelValues(string(pipeline), string(t.Type)).Observe(time.Since(t.CreatedAt).Seconds())

	ctx, cancel := context.WithTimeout(c.ctx, t.Timeout)
	c.trackCancel(t.ID, cancel)
	defer func() {
		c.untrackCancel(t.ID)
		cancel()
	}()

	proc := c.processor(t.Type, pipeline)
	if proc == nil {
		c.failTask(pipeline, t, fmt.Sprintf("no processor registered for %s/%s", t.Type, pipeline), false)
		c.maybeSynchronize(t.ID)
		return
	}

	start := time.Now()
	ch := make(chan outcome, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- outcome{err: fmt.Errorf("processor panicked: %v", r)}
			}
		}()
		result, err := proc.Process(ctx, t)
		ch <- outcome{result: result, err: err}
	}()

	select {
	case <-ctx.Done():
		// A late result arriving after the deadline is discarded: the
		// buffered channel absorbs the send and the task stays Failed.
		c.handleDeadline(log, pipeline, t, ctx)
		// On cancellation the terminal transition already happened in
		// CancelTask (or the process is shutting down).
	case o := <-ch:
		// The outcome may race the deadline; once the deadline has
		// passed the result is late and must be discarded.
		if ctx.Err() != nil {
			c.handleDeadline(log, pipeline, t, ctx)
			break
		}
		if o.err != nil {
			perr := &tasks.ProcessorError{TaskID: t.ID, Type: t.Type, Pipeline: pipeline, Err: o.err}
			c.failTask(pipeline, t, perr.Error(), false)
			break
		}
		confidence, ok := tasks.ConfidenceFrom(o.result)
		if !ok {
			confidence = defaultConfidence(pipeline)
		}
		if err := c.store.Complete(t.ID, o.result, confidence); err == nil {
			d := time.Since(start)
			c.metrics[pipeline].recordCompletion(d)
			tasksProcessed.WithLabelValues(string(pipeline), "success", string(t.Type)).Inc()
			taskDuration.WithLabelValues(string(pipeline), string(t.Type)).Observe(d.Seconds())
			log.Info().Str("task_id", t.ID).Dur("duration", d).Msg("Task completed")
		}
	}

	c.maybeSynchronize(t.ID)
}

func (c *Coordinator) handleDeadline(log zerolog.Logger, pipeline tasks.Pipeline, t *tasks.Task, ctx context.Context) {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return
	}
	terr := &tasks.TimeoutError{TaskID: t.ID, Pipeline: pipeline, Timeout: t.Timeout.String()}
	if err := c.store.Fail(t.ID, terr.Error(), true); err == nil {
		c.metrics[pipeline].recordFailure()
		tasksProcessed.WithLabelValues(string(pipeline), "timeout", string(t.Type)).Inc()
		log.Warn().Str("task_id", t.ID).Dur("timeout", t.Timeout).Msg("Task deadline exceeded")
	}
}

func (c *Coordinator) failTask(pipeline tasks.Pipeline, t *tasks.Task, msg string, timedOut bool) {
	if err := c.store.Fail(t.ID, msg, timedOut); err != nil {
		return
	}
	c.metrics[pipeline].recordFailure()
	tasksProcessed.WithLabelValues(string(pipeline), "failed", string(t.Type)).Inc()
	c.log.Error().Str("task_id", t.ID).Str("pipeline", string(pipeline)).Str("error", msg).Msg("Task failed")
}

func defaultConfidence(pipeline tasks.Pipeline) float64 {
	if pipeline == tasks.PipelineRealTime {
		return 0.75
	}
	return 0.92
}

func (c *Coordinator) trackCancel(taskID string, cancel context.CancelFunc) {
	c.cancelMu.Lock()
	c.cancels[taskID] = cancel
	c.cancelMu.Unlock()
}

func (c *Coordinator) untrackCancel(taskID string) {
	c.cancelMu.Lock()
	delete(c.cancels, taskID)
	c.cancelMu.Unlock()
}

// maybeSynchronize runs the synchronizer once both halves of a sync-linked
// pair are terminal. It executes synchronously in the completing worker, so
// the sync result is persisted before any caller can observe a
// synchronized status. The session store's Claim elects exactly one runner
// when both workers finish at the same time.
func (c *Coordinator) maybeSynchronize(taskID string) {
	t, err := c.store.Get(taskID)
	if err != nil || !t.Status.Terminal() {
		return
	}
	syncID := t.SyncID()
	if syncID == "" {
		return
	}

	c.pairMu.Lock()
	pair := c.pairs[syncID]
	c.pairMu.Unlock()
	if pair == nil {
		return
	}

	rt, rtErr := c.store.Get(pair.realTimeID)
	comp, compErr := c.store.Get(pair.comprehensiveID)
	if rtErr != nil || compErr != nil {
		return
	}
	if !rt.Status.Terminal() || !comp.Status.Terminal() {
		return
	}
	if !c.syncSt.Claim(syncID) {
		return
	}

	if rt.Status != tasks.StatusCompleted || comp.Status != tasks.StatusCompleted {
		c.failSync(syncID, fmt.Sprintf("sync pair not completed: real_time=%s comprehensive=%s", rt.Status, comp.Status))
		return
	}

	res := c.syncer.Synchronize(rt.Result, comp.Result, string(t.Type), syncID)
	c.recordSyncMetrics(string(t.Type), res)
	c.syncSt.Put(res)
	c.log.Info().
		Str("sync_id", syncID).
		Str("status", string(res.Status)).
		Int("conflicts", len(res.Conflicts)).
		Int("unresolved", res.Unresolved()).
		Float64("consistency", res.ConsistencyScore).
		Msg("Sync pair reconciled")
}
