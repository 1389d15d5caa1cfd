// Package queue provides the bounded in-memory priority queue backing each
// pipeline. Tasks are ordered by (priority rank, enqueue sequence): lower
// ranks dequeue first, and equal ranks dequeue FIFO.
//
// Enqueue never blocks: once the queue holds its configured maximum it
// fails fast with tasks.ErrQueueFull, which is the system's backpressure
// mechanism. Dequeue blocks for at most a short poll interval so worker
// loops can observe shutdown cooperatively.
package queue

import (
	"container/heap"
	"context"
	"sync"
	"time"

	"github.com/guido-cesarano/dualpipe/pkg/tasks"
)

type item struct {
	task *tasks.Task
	rank int
	seq  uint64
}

type itemHeap []*item

func (h itemHeap) Len() int { return len(h) }

func (h itemHeap) Less(i, j int) bool {
	if h[i].rank != h[j].rank {
		return h[i].rank < h[j].rank
	}
	return h[i].seq < h[j].seq
}

func (h itemHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x interface{}) { *h = append(*h, x.(*item)) }

func (h *itemHeap) Pop() interface{} {
	old := *h
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return it
}

// PriorityQueue is a bounded, mutex-guarded priority queue.
type PriorityQueue struct {
	mu    sync.Mutex
	items itemHeap
	max   int
	seq   uint64

	// notify wakes at most one waiter per enqueue. A lost wakeup only
	// delays a waiter until its poll interval expires, so correctness
	// does not depend on delivery.
	notify chan struct{}
}

// New creates a queue that holds at most max tasks.
func New(max int) *PriorityQueue {
	return &PriorityQueue{
		items:  make(itemHeap, 0, max),
		max:    max,
		notify: make(chan struct{}, 1),
	}
}

// Enqueue admits a task or fails fast with tasks.ErrQueueFull at capacity.
func (q *PriorityQueue) Enqueue(t *tasks.Task) error {
	q.mu.Lock()
	if len(q.items) >= q.max {
		q.mu.Unlock()
		return tasks.ErrQueueFull
	}
	q.seq++
	heap.Push(&q.items, &item{task: t, rank: t.Priority.Rank(), seq: q.seq})
	q.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}
	return nil
}

// Dequeue removes and returns the highest-priority task. If the queue is
// empty it waits up to wait for one to arrive, returning false on timeout
// or context cancellation.
func (q *PriorityQueue) Dequeue(ctx context.Context, wait time.Duration) (*tasks.Task, bool) {
	timer := time.NewTimer(wait)
	defer timer.Stop()

	for {
		q.mu.Lock()
		if len(q.items) > 0 {
			it := heap.Pop(&q.items).(*item)
			q.mu.Unlock()
			return it.task, true
		}
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, false
		case <-timer.C:
			return nil, false
		case <-q.notify:
		}
	}
}

// Len returns the current queue depth.
func (q *PriorityQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Snapshot returns up to limit queued tasks in dequeue order without
// removing them.
func (q *PriorityQueue) Snapshot(limit int) []*tasks.Task {
	q.mu.Lock()
	cp := make(itemHeap, len(q.items))
	copy(cp, q.items)
	q.mu.Unlock()

	out := make([]*tasks.Task, 0, limit)
	for cp.Len() > 0 && len(out) < limit {
		out = append(out, heap.Pop(&cp).(*item).task)
	}
	return out
}
