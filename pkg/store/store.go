// Package store holds the in-memory task and sync-session state. The task
// store owns every task status transition, so the lifecycle state machine
// is enforced in one place and snapshots never observe a half-written
// record. Terminal tasks move from the active map into a bounded completed
// buffer whose oldest entries are evicted at capacity; nothing is ever
// deleted explicitly.
package store

import (
	"fmt"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/guido-cesarano/dualpipe/pkg/syncer"
	"github.com/guido-cesarano/dualpipe/pkg/tasks"
)

// TaskStore is the active-task map plus the completed-task buffer.
type TaskStore struct {
	mu     sync.RWMutex
	active map[string]*tasks.Task

	// completed is used as a FIFO ring: entries are only ever added and
	// peeked (Peek does not refresh recency), so LRU eviction degenerates
	// to oldest-first.
	completed *lru.Cache[string, *tasks.Task]
}

// NewTaskStore creates a store keeping at most historySize completed tasks.
func NewTaskStore(historySize int) (*TaskStore, error) {
	completed, err := lru.New[string, *tasks.Task](historySize)
	if err != nil {
		return nil, fmt.Errorf("completed buffer: %w", err)
	}
	return &TaskStore{
		active:    make(map[string]*tasks.Task),
		completed: completed,
	}, nil
}

// Put registers a newly admitted task.
func (s *TaskStore) Put(t *tasks.Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.active[t.ID] = t
}

// Get returns a snapshot of the task, or tasks.ErrNotFound. The snapshot is
// a copy of the record; payload maps are shared but treated as read-only.
func (s *TaskStore) Get(id string) (tasks.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if t, ok := s.active[id]; ok {
		return *t, nil
	}
	if t, ok := s.completed.Peek(id); ok {
		return *t, nil
	}
	return tasks.Task{}, tasks.ErrNotFound
}

// MarkProcessing transitions Queued -> Processing. It fails with
// tasks.ErrInvalidState when the task was cancelled while queued, which the
// worker treats as "skip this task".
func (s *TaskStore) MarkProcessing(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[id]
	if !ok {
		return tasks.ErrNotFound
	}
	if t.Status != tasks.StatusQueued {
		return fmt.Errorf("%w: task %s is %s", tasks.ErrInvalidState, id, t.Status)
	}
	now := time.Now()
	t.Status = tasks.StatusProcessing
	t.StartedAt = &now
	t.Progress = 0.5
	return nil
}

// Complete transitions Processing -> Completed with the result payload.
// A late completion racing a timeout or cancellation is discarded with
// tasks.ErrInvalidState.
func (s *TaskStore) Complete(id string, result map[string]interface{}, confidence float64) error {
	return s.finish(id, func(t *tasks.Task) {
		t.Status = tasks.StatusCompleted
		t.Result = result
		t.Confidence = confidence
		t.Progress = 1.0
	})
}

// Fail transitions Queued|Processing -> Failed, recording the error and
// whether the failure was a deadline breach.
func (s *TaskStore) Fail(id string, errMsg string, timedOut bool) error {
	return s.finish(id, func(t *tasks.Task) {
		t.Status = tasks.StatusFailed
		t.Error = errMsg
		t.TimedOut = timedOut
	})
}

// Cancel transitions Queued|Processing -> Cancelled and reports whether it
// performed the transition. On an already-terminal task it is a no-op
// reporting the existing status: a repeat cancel returns
// (StatusCancelled, false, nil) so the call is idempotent and callers never
// double-count, while cancelling a completed or failed task returns
// tasks.ErrInvalidState.
func (s *TaskStore) Cancel(id, reason string) (tasks.Status, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.active[id]; ok {
		s.finishLocked(t, func(t *tasks.Task) {
			t.Status = tasks.StatusCancelled
			t.Error = "cancelled: " + reason
		})
		return tasks.StatusCancelled, true, nil
	}
	if t, ok := s.completed.Peek(id); ok {
		if t.Status == tasks.StatusCancelled {
			return tasks.StatusCancelled, false, nil
		}
		return t.Status, false, fmt.Errorf("%w: task %s already %s", tasks.ErrInvalidState, id, t.Status)
	}
	return "", false, tasks.ErrNotFound
}

func (s *TaskStore) finish(id string, mutate func(*tasks.Task)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.active[id]
	if !ok {
		return fmt.Errorf("%w: task %s is not active", tasks.ErrInvalidState, id)
	}
	s.finishLocked(t, mutate)
	return nil
}

// finishLocked applies a terminal transition and moves the record into the
// completed buffer.
func (s *TaskStore) finishLocked(t *tasks.Task, mutate func(*tasks.Task)) {
	now := time.Now()
	mutate(t)
	t.CompletedAt = &now
	delete(s.active, t.ID)
	s.completed.Add(t.ID, t)
}

// ActiveCount returns the number of non-terminal tasks.
func (s *TaskStore) ActiveCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.active)
}

// CompletedCount returns the number of buffered terminal tasks.
func (s *TaskStore) CompletedCount() int {
	return s.completed.Len()
}

// SyncStore maps sync ids to their latest synchronization result.
type SyncStore struct {
	mu       sync.RWMutex
	sessions map[string]*syncer.Result
}

// NewSyncStore creates an empty session store.
func NewSyncStore() *SyncStore {
	return &SyncStore{sessions: make(map[string]*syncer.Result)}
}

// Register pre-creates a pending session for a sync-linked pair.
func (s *SyncStore) Register(syncID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[syncID] = &syncer.Result{
		SyncID:    syncID,
		Status:    syncer.SyncPending,
		CreatedAt: time.Now(),
	}
}

// Put stores the latest result for a sync id.
func (s *SyncStore) Put(res *syncer.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[res.SyncID] = res
}

// Get returns the latest result for a sync id, or tasks.ErrNotFound.
func (s *SyncStore) Get(syncID string) (*syncer.Result, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if res, ok := s.sessions[syncID]; ok {
		cp := *res
		return &cp, nil
	}
	return nil, tasks.ErrNotFound
}

// Claim atomically moves a pending session to in_progress and reports
// whether the caller won. It elects exactly one of the two workers racing
// to synchronize a completed pair.
func (s *SyncStore) Claim(syncID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	res, ok := s.sessions[syncID]
	if !ok || res.Status != syncer.SyncPending {
		return false
	}
	res.Status = syncer.SyncInProgress
	return true
}
