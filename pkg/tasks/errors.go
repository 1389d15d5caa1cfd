package tasks

import (
	"errors"
	"fmt"
)

// Sentinel errors for the coordinator's exposed surface. QueueFull,
// RateLimited and NotFound are routine outcomes, not faults; callers are
// expected to branch on them with errors.Is.
var (
	ErrInvalidTaskType = errors.New("invalid task type")
	ErrInvalidPriority = errors.New("invalid priority")
	ErrQueueFull       = errors.New("queue full")
	ErrRateLimited     = errors.New("rate limited")
	ErrNotFound        = errors.New("not found")
	ErrInvalidState    = errors.New("invalid state")
)

// ProcessorError wraps a failure returned by a pluggable processor. The
// failure is isolated to its own task and never propagates past the worker
// that observed it.
type ProcessorError struct {
	TaskID   string
	Type     Type
	Pipeline Pipeline
	Err      error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("processor %s/%s failed for task %s: %v", e.Type, e.Pipeline, e.TaskID, e.Err)
}

func (e *ProcessorError) Unwrap() error { return e.Err }

// TimeoutError reports that a task breached its pipeline deadline.
type TimeoutError struct {
	TaskID   string
	Pipeline Pipeline
	Timeout  string
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("task %s exceeded the %s pipeline deadline (%s)", e.TaskID, e.Pipeline, e.Timeout)
}
