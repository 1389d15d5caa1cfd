package coordinator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/time/rate"

	"github.com/guido-cesarano/dualpipe/pkg/syncer"
	"github.com/guido-cesarano/dualpipe/pkg/tasks"
)

func testOptions() Options {
	return Options{
		RealTimeWorkers:      2,
		ComprehensiveWorkers: 2,
		RealTimeTimeout:      2 * time.Second,
		ComprehensiveTimeout: 2 * time.Second,
		MaxQueueSize:         100,
		PollInterval:         10 * time.Millisecond,
	}
}

func newTestCoordinator(t *testing.T, opts Options, start bool) *Coordinator {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)
	if start {
		c.Start()
		t.Cleanup(func() {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			c.Shutdown(ctx)
		})
	}
	return c
}

// echoProcessor completes immediately with a fixed confidence.
func echoProcessor(confidence float64) Processor {
	return ProcessorFunc(func(ctx context.Context, task *tasks.Task) (map[string]interface{}, error) {
		return map[string]interface{}{"summary": "ok", "confidence": confidence}, nil
	})
}

func registerEverywhere(c *Coordinator, p Processor) {
	for _, taskType := range []tasks.Type{
		tasks.TypeTranscriptAnalysis, tasks.TypePatternDetection,
		tasks.TypeOracleConsultation, tasks.TypeKnowledgeGraphUpdate,
	} {
		c.RegisterProcessor(taskType, tasks.PipelineRealTime, p)
		c.RegisterProcessor(taskType, tasks.PipelineComprehensive, p)
	}
}

func TestRoutingTable(t *testing.T) {
	cases := []struct {
		priority tasks.Priority
		dual     bool
		want     []tasks.Pipeline
	}{
		{tasks.PriorityImmediate, false, []tasks.Pipeline{tasks.PipelineRealTime}},
		{tasks.PriorityImmediate, true, []tasks.Pipeline{tasks.PipelineRealTime}},
		{tasks.PriorityFast, false, []tasks.Pipeline{tasks.PipelineRealTime}},
		{tasks.PriorityFast, true, []tasks.Pipeline{tasks.PipelineRealTime, tasks.PipelineComprehensive}},
		{tasks.PriorityNormal, false, []tasks.Pipeline{tasks.PipelineComprehensive}},
		{tasks.PriorityNormal, true, []tasks.Pipeline{tasks.PipelineRealTime, tasks.PipelineComprehensive}},
		{tasks.PriorityComprehensive, false, []tasks.Pipeline{tasks.PipelineComprehensive}},
		{tasks.PriorityComprehensive, true, []tasks.Pipeline{tasks.PipelineComprehensive}},
		{tasks.PriorityDeep, false, []tasks.Pipeline{tasks.PipelineComprehensive}},
		{tasks.PriorityDeep, true, []tasks.Pipeline{tasks.PipelineComprehensive}},
	}

	for _, tc := range cases {
		t.Run(fmt.Sprintf("%s_dual=%v", tc.priority, tc.dual), func(t *testing.T) {
			c := newTestCoordinator(t, testOptions(), false)

			ids, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tc.priority, nil, tc.dual)
			require.NoError(t, err)
			require.Len(t, ids, len(tc.want))
			for _, pipeline := range tc.want {
				assert.Contains(t, ids, pipeline)
			}

			// Tasks landed on exactly the routed queues.
			for _, pipeline := range []tasks.Pipeline{tasks.PipelineRealTime, tasks.PipelineComprehensive} {
				expected := 0
				for _, w := range tc.want {
					if w == pipeline {
						expected = 1
					}
				}
				assert.Equal(t, expected, c.queues[pipeline].Len(), "pipeline %s", pipeline)
			}
		})
	}
}

func TestSubmitValidation(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), false)

	_, err := c.SubmitTask("bogus", nil, tasks.PriorityFast, nil, false)
	assert.ErrorIs(t, err, tasks.ErrInvalidTaskType)

	_, err = c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, "urgent", nil, false)
	assert.ErrorIs(t, err, tasks.ErrInvalidPriority)
}

func TestDualSubmitSharesSyncID(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), false)

	ids, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityFast, nil, true)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	rt, err := c.store.Get(ids[tasks.PipelineRealTime])
	require.NoError(t, err)
	comp, err := c.store.Get(ids[tasks.PipelineComprehensive])
	require.NoError(t, err)

	require.NotEmpty(t, rt.SyncID())
	assert.Equal(t, rt.SyncID(), comp.SyncID())

	// A pending session is pre-registered.
	res, err := c.syncSt.Get(rt.SyncID())
	require.NoError(t, err)
	assert.Equal(t, syncer.SyncPending, res.Status)
}

func TestSingleSubmitHasNoSyncID(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), false)

	ids, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, true)
	require.NoError(t, err)
	require.Len(t, ids, 1)

	task, err := c.store.Get(ids[tasks.PipelineRealTime])
	require.NoError(t, err)
	assert.Empty(t, task.SyncID())
}

func TestQueueFullBackpressure(t *testing.T) {
	opts := testOptions()
	opts.MaxQueueSize = 100
	c := newTestCoordinator(t, opts, false)

	accepted, rejected := 0, 0
	for i := 0; i < 150; i++ {
		_, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
		switch {
		case err == nil:
			accepted++
		case errors.Is(err, tasks.ErrQueueFull):
			rejected++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}

	assert.Equal(t, 100, accepted)
	assert.Equal(t, 50, rejected)
}

func TestCancelQueuedTask(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), false)

	ids, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
	require.NoError(t, err)
	id := ids[tasks.PipelineRealTime]

	status, err := c.CancelTask(id, "changed my mind")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCancelled, status)

	res, err := c.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCancelled, res.Status)
	assert.Contains(t, res.Error, "changed my mind")
}

func TestCancelTwiceDoesNotDoubleCount(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), false)

	ids, _ := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
	id := ids[tasks.PipelineRealTime]

	first, err := c.CancelTask(id, "once")
	require.NoError(t, err)
	second, err := c.CancelTask(id, "twice")
	require.NoError(t, err)
	assert.Equal(t, first, second)

	m := c.GetMetrics()[tasks.PipelineRealTime]
	assert.Equal(t, int64(1), m.CancelledTasks)
	assert.Equal(t, int64(0), m.CompletedTasks)
}

func TestCancelCompletedTaskRejected(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), true)
	registerEverywhere(c, echoProcessor(0.9))

	ids, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
	require.NoError(t, err)
	id := ids[tasks.PipelineRealTime]

	require.Eventually(t, func() bool {
		res, err := c.GetTaskStatus(id)
		return err == nil && res.Status == tasks.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	status, err := c.CancelTask(id, "too late")
	assert.ErrorIs(t, err, tasks.ErrInvalidState)
	assert.Equal(t, tasks.StatusCompleted, status)

	res, err := c.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCompleted, res.Status)
}

func TestCancelUnknownTask(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), false)
	_, err := c.CancelTask("nope", "reason")
	assert.ErrorIs(t, err, tasks.ErrNotFound)
}

func TestDualPipelineFlowSynchronizes(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), true)
	c.RegisterProcessor(tasks.TypeTranscriptAnalysis, tasks.PipelineRealTime, echoProcessor(0.7))
	c.RegisterProcessor(tasks.TypeTranscriptAnalysis, tasks.PipelineComprehensive, echoProcessor(0.95))

	ids, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, map[string]interface{}{"text": "hi"}, tasks.PriorityFast, nil, true)
	require.NoError(t, err)
	require.Len(t, ids, 2)

	for _, id := range ids {
		id := id
		require.Eventually(t, func() bool {
			res, err := c.GetTaskStatus(id)
			return err == nil && res.Status == tasks.StatusCompleted
		}, 5*time.Second, 10*time.Millisecond, "task %s", id)
	}

	rt, _ := c.store.Get(ids[tasks.PipelineRealTime])
	syncID := rt.SyncID()
	require.NotEmpty(t, syncID)

	require.Eventually(t, func() bool {
		res, err := c.syncSt.Get(syncID)
		return err == nil && res.Status == syncer.SyncSynchronized
	}, 5*time.Second, 10*time.Millisecond)

	view, err := c.GetSynchronizedResult(syncID)
	require.NoError(t, err)
	assert.Equal(t, string(syncer.SyncSynchronized), view["status"])
	merged, ok := view["result"].(map[string]interface{})
	require.True(t, ok)
	// The confidence mismatch resolves to the comprehensive lane's value.
	assert.Equal(t, 0.95, merged["confidence"])
}

func TestAutoSyncWhenWorkersOutpaceSubmission(t *testing.T) {
	// Instant processors and a tight poll mean both halves are often
	// terminal before SubmitTask returns; every session must still reach
	// synchronized, never stay pending.
	opts := testOptions()
	opts.PollInterval = time.Millisecond
	c := newTestCoordinator(t, opts, true)
	c.RegisterProcessor(tasks.TypeTranscriptAnalysis, tasks.PipelineRealTime, echoProcessor(0.7))
	c.RegisterProcessor(tasks.TypeTranscriptAnalysis, tasks.PipelineComprehensive, echoProcessor(0.95))

	for i := 0; i < 25; i++ {
		ids, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityFast, nil, true)
		require.NoError(t, err)

		rt, err := c.store.Get(ids[tasks.PipelineRealTime])
		require.NoError(t, err)
		syncID := rt.SyncID()
		require.NotEmpty(t, syncID)

		require.Eventually(t, func() bool {
			res, err := c.syncSt.Get(syncID)
			return err == nil && res.Status == syncer.SyncSynchronized
		}, 5*time.Second, time.Millisecond, "submission %d", i)
	}
}

func TestPreliminaryResultWhileComprehensivePending(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), true)

	release := make(chan struct{})
	c.RegisterProcessor(tasks.TypeTranscriptAnalysis, tasks.PipelineRealTime, echoProcessor(0.7))
	c.RegisterProcessor(tasks.TypeTranscriptAnalysis, tasks.PipelineComprehensive,
		ProcessorFunc(func(ctx context.Context, task *tasks.Task) (map[string]interface{}, error) {
			select {
			case <-release:
				return map[string]interface{}{"summary": "ok", "confidence": 0.95}, nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}))

	ids, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityFast, nil, true)
	require.NoError(t, err)

	rtID := ids[tasks.PipelineRealTime]
	require.Eventually(t, func() bool {
		res, err := c.GetTaskStatus(rtID)
		return err == nil && res.Status == tasks.StatusCompleted
	}, 5*time.Second, 10*time.Millisecond)

	rt, _ := c.store.Get(rtID)
	view, err := c.GetSynchronizedResult(rt.SyncID())
	require.NoError(t, err)
	assert.Equal(t, true, view["is_preliminary"])
	assert.Equal(t, "preliminary", view["status"])
	assert.NotNil(t, view["estimated_completion"])

	close(release)
	require.Eventually(t, func() bool {
		view, err := c.GetSynchronizedResult(rt.SyncID())
		return err == nil && view["status"] == string(syncer.SyncSynchronized)
	}, 5*time.Second, 10*time.Millisecond)
}

func TestSyncResultNotFound(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), false)
	_, err := c.GetSynchronizedResult("missing")
	assert.ErrorIs(t, err, tasks.ErrNotFound)
}

func TestProcessorTimeout(t *testing.T) {
	opts := testOptions()
	opts.RealTimeTimeout = 50 * time.Millisecond
	c := newTestCoordinator(t, opts, true)

	c.RegisterProcessor(tasks.TypeTranscriptAnalysis, tasks.PipelineRealTime,
		ProcessorFunc(func(ctx context.Context, task *tasks.Task) (map[string]interface{}, error) {
			<-ctx.Done()
			return map[string]interface{}{"late": true}, ctx.Err()
		}))

	ids, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
	require.NoError(t, err)
	id := ids[tasks.PipelineRealTime]

	require.Eventually(t, func() bool {
		res, err := c.GetTaskStatus(id)
		return err == nil && res.Status == tasks.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	res, _ := c.GetTaskStatus(id)
	assert.True(t, res.TimedOut)
	assert.Nil(t, res.Result, "late result must be discarded")

	m := c.GetMetrics()[tasks.PipelineRealTime]
	assert.Equal(t, int64(1), m.FailedTasks)
}

func TestProcessorFailureIsolated(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), true)

	c.RegisterProcessor(tasks.TypeTranscriptAnalysis, tasks.PipelineRealTime,
		ProcessorFunc(func(ctx context.Context, task *tasks.Task) (map[string]interface{}, error) {
			return nil, errors.New("backend unavailable")
		}))
	c.RegisterProcessor(tasks.TypePatternDetection, tasks.PipelineRealTime, echoProcessor(0.8))

	bad, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
	require.NoError(t, err)
	good, err := c.SubmitTask(tasks.TypePatternDetection, nil, tasks.PriorityImmediate, nil, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		b, err1 := c.GetTaskStatus(bad[tasks.PipelineRealTime])
		g, err2 := c.GetTaskStatus(good[tasks.PipelineRealTime])
		return err1 == nil && err2 == nil && b.Status.Terminal() && g.Status.Terminal()
	}, 5*time.Second, 10*time.Millisecond)

	b, _ := c.GetTaskStatus(bad[tasks.PipelineRealTime])
	assert.Equal(t, tasks.StatusFailed, b.Status)
	assert.Contains(t, b.Error, "backend unavailable")
	assert.False(t, b.TimedOut)

	g, _ := c.GetTaskStatus(good[tasks.PipelineRealTime])
	assert.Equal(t, tasks.StatusCompleted, g.Status)
}

func TestProcessorPanicIsolated(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), true)

	c.RegisterProcessor(tasks.TypeTranscriptAnalysis, tasks.PipelineRealTime,
		ProcessorFunc(func(ctx context.Context, task *tasks.Task) (map[string]interface{}, error) {
			panic("boom")
		}))

	ids, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := c.GetTaskStatus(ids[tasks.PipelineRealTime])
		return err == nil && res.Status == tasks.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)
}

func TestNoProcessorRegistered(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), true)

	ids, err := c.SubmitTask(tasks.TypeOracleConsultation, nil, tasks.PriorityImmediate, nil, false)
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		res, err := c.GetTaskStatus(ids[tasks.PipelineRealTime])
		return err == nil && res.Status == tasks.StatusFailed
	}, 5*time.Second, 10*time.Millisecond)

	res, _ := c.GetTaskStatus(ids[tasks.PipelineRealTime])
	assert.Contains(t, res.Error, "no processor registered")
}

func TestCancelProcessingTaskInterruptsWorker(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), true)

	var interrupted atomic.Bool
	started := make(chan struct{})
	c.RegisterProcessor(tasks.TypeTranscriptAnalysis, tasks.PipelineRealTime,
		ProcessorFunc(func(ctx context.Context, task *tasks.Task) (map[string]interface{}, error) {
			close(started)
			<-ctx.Done()
			interrupted.Store(true)
			return nil, ctx.Err()
		}))

	ids, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
	require.NoError(t, err)
	id := ids[tasks.PipelineRealTime]

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("processor never started")
	}

	status, err := c.CancelTask(id, "operator request")
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCancelled, status)

	require.Eventually(t, func() bool { return interrupted.Load() }, 5*time.Second, 10*time.Millisecond)

	res, _ := c.GetTaskStatus(id)
	assert.Equal(t, tasks.StatusCancelled, res.Status)
}

func TestRateLimitedSubmission(t *testing.T) {
	opts := testOptions()
	opts.SubmitRate = rate.Limit(0.001)
	opts.SubmitBurst = 1
	c := newTestCoordinator(t, opts, false)

	_, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
	require.NoError(t, err)

	_, err = c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
	assert.ErrorIs(t, err, tasks.ErrRateLimited)

	// Limits are per task type.
	_, err = c.SubmitTask(tasks.TypePatternDetection, nil, tasks.PriorityImmediate, nil, false)
	assert.NoError(t, err)
}

func TestMetricsSnapshot(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), true)
	registerEverywhere(c, echoProcessor(0.9))

	for i := 0; i < 3; i++ {
		_, err := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		return c.GetMetrics()[tasks.PipelineRealTime].CompletedTasks == 3
	}, 5*time.Second, 10*time.Millisecond)

	m := c.GetMetrics()[tasks.PipelineRealTime]
	assert.Equal(t, int64(3), m.TotalTasks)
	assert.Equal(t, int64(0), m.FailedTasks)
	assert.Equal(t, 1.0, m.SuccessRate)
	assert.Equal(t, 0, m.QueueLength)
}

func TestGetTaskStatusFields(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), false)

	ids, _ := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
	res, err := c.GetTaskStatus(ids[tasks.PipelineRealTime])
	require.NoError(t, err)

	assert.Equal(t, tasks.StatusQueued, res.Status)
	assert.False(t, res.IsPreliminary)
	require.NotNil(t, res.EstimatedCompletion)
	assert.True(t, res.EstimatedCompletion.After(time.Now()))

	_, err = c.GetTaskStatus("missing")
	assert.ErrorIs(t, err, tasks.ErrNotFound)
}

func TestSynchronizeManuallyPersists(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), false)

	res := c.SynchronizeManually(
		map[string]interface{}{"summary": "x", "confidence": 0.7},
		map[string]interface{}{"summary": "x", "confidence": 0.95},
		"transcript_analysis", "manual-1")

	require.Equal(t, syncer.SyncSynchronized, res.Status)

	view, err := c.GetSynchronizedResult("manual-1")
	require.NoError(t, err)
	assert.Equal(t, string(syncer.SyncSynchronized), view["status"])
}

func TestInspectQueue(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), false)

	c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityDeep, nil, false)
	c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityComprehensive, nil, false)

	queued, err := c.InspectQueue(tasks.PipelineComprehensive, 50)
	require.NoError(t, err)
	require.Len(t, queued, 2)
	assert.Equal(t, tasks.PriorityComprehensive, queued[0].Priority)

	_, err = c.InspectQueue("bogus", 10)
	assert.ErrorIs(t, err, tasks.ErrNotFound)
}

func TestCancelledQueuedTaskSkippedByWorker(t *testing.T) {
	c := newTestCoordinator(t, testOptions(), false)
	registerEverywhere(c, echoProcessor(0.9))

	ids, _ := c.SubmitTask(tasks.TypeTranscriptAnalysis, nil, tasks.PriorityImmediate, nil, false)
	id := ids[tasks.PipelineRealTime]
	_, err := c.CancelTask(id, "before start")
	require.NoError(t, err)

	// Start the pools after cancellation; the dequeued task must stay
	// cancelled instead of running.
	c.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c.Shutdown(ctx)
	})

	time.Sleep(100 * time.Millisecond)
	res, err := c.GetTaskStatus(id)
	require.NoError(t, err)
	assert.Equal(t, tasks.StatusCancelled, res.Status)

	m := c.GetMetrics()[tasks.PipelineRealTime]
	assert.Equal(t, int64(0), m.CompletedTasks)
}
