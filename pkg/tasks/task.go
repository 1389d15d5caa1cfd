// Package tasks defines the core data structures shared by the processing
// coordinator and the state synchronizer: tasks, pipelines, priorities and
// the task status machine.
//
// Task input, result and metadata payloads are generic JSON-shaped trees
// (map[string]interface{} after decoding). The one documented key is a
// top-level numeric "confidence" in a result payload: the worker loop reads
// it as the task's confidence and the synchronizer reads it as the per-lane
// confidence for the highest_confidence resolution strategy.
package tasks

import (
	"time"
)

// Pipeline identifies one of the two processing lanes.
type Pipeline string

const (
	// PipelineRealTime is the low-latency lane.
	PipelineRealTime Pipeline = "real_time"
	// PipelineComprehensive is the slower, higher-quality lane.
	PipelineComprehensive Pipeline = "comprehensive"
)

// Valid reports whether p is a known pipeline.
func (p Pipeline) Valid() bool {
	return p == PipelineRealTime || p == PipelineComprehensive
}

// Type categorizes a task for processor routing and metrics.
type Type string

const (
	TypeTranscriptAnalysis   Type = "transcript_analysis"
	TypePatternDetection     Type = "pattern_detection"
	TypeOracleConsultation   Type = "oracle_consultation"
	TypeKnowledgeGraphUpdate Type = "knowledge_graph_update"
)

// Valid reports whether t is a known task type.
func (t Type) Valid() bool {
	switch t {
	case TypeTranscriptAnalysis, TypePatternDetection, TypeOracleConsultation, TypeKnowledgeGraphUpdate:
		return true
	}
	return false
}

// Priority determines both pipeline routing and queue ordering.
type Priority string

const (
	PriorityImmediate     Priority = "immediate"
	PriorityFast          Priority = "fast"
	PriorityNormal        Priority = "normal"
	PriorityComprehensive Priority = "comprehensive"
	PriorityDeep          Priority = "deep"
)

// Rank returns the queue rank for the priority. Lower ranks are served
// first. Unknown priorities return 0.
func (p Priority) Rank() int {
	switch p {
	case PriorityImmediate:
		return 1
	case PriorityFast:
		return 2
	case PriorityNormal:
		return 3
	case PriorityComprehensive:
		return 4
	case PriorityDeep:
		return 5
	}
	return 0
}

// Valid reports whether p is a known priority.
func (p Priority) Valid() bool {
	return p.Rank() != 0
}

// Status is a task lifecycle state.
//
// Transitions: Queued -> Processing -> {Completed | Failed},
// and Queued|Processing -> Cancelled. Terminal states admit no further
// transitions.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Terminal reports whether s is a terminal status.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// MetaSyncID is the metadata key carrying the sync id that links the two
// halves of a dual-pipeline submission.
const MetaSyncID = "sync_id"

// Task is one unit of work admitted into a pipeline.
//
// Exactly one of Result and Error is set once Status is terminal. Pipeline
// is immutable after creation. Payload maps are treated as read-only once
// attached to the task, so snapshots can share them safely.
type Task struct {
	ID       string                 `json:"id"`
	Type     Type                   `json:"type"`
	Pipeline Pipeline               `json:"pipeline"`
	Priority Priority               `json:"priority"`
	Input    map[string]interface{} `json:"input"`
	Metadata map[string]interface{} `json:"metadata,omitempty"`

	Status      Status     `json:"status"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	// Progress is 0 while queued, 0.5 while processing, 1.0 when completed.
	Progress float64 `json:"progress"`

	Result     map[string]interface{} `json:"result,omitempty"`
	Error      string                 `json:"error,omitempty"`
	Confidence float64                `json:"confidence,omitempty"`
	TimedOut   bool                   `json:"timed_out,omitempty"`

	// Timeout is the hard processing deadline for the task's pipeline.
	Timeout time.Duration `json:"timeout"`
}

// SyncID returns the sync id from the task's metadata, or "" when the task
// is not part of a sync-linked pair.
func (t *Task) SyncID() string {
	if t.Metadata == nil {
		return ""
	}
	if id, ok := t.Metadata[MetaSyncID].(string); ok {
		return id
	}
	return ""
}

// ProcessingTime returns the wall time the task spent in Processing, or 0
// if it never started.
func (t *Task) ProcessingTime() time.Duration {
	if t.StartedAt == nil {
		return 0
	}
	if t.CompletedAt != nil {
		return t.CompletedAt.Sub(*t.StartedAt)
	}
	return time.Since(*t.StartedAt)
}

// ConfidenceFrom extracts the top-level numeric "confidence" key from a
// result payload. ok is false when the key is absent or not numeric.
func ConfidenceFrom(result map[string]interface{}) (float64, bool) {
	if result == nil {
		return 0, false
	}
	switch v := result["confidence"].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	}
	return 0, false
}
