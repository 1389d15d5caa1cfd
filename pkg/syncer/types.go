// Package syncer reconciles the outputs of the real-time and comprehensive
// pipelines for one logical request. It structurally diffs the two result
// payloads, resolves the detected conflicts under a per-data-type
// configuration, and produces a merged payload with consistency and
// confidence scores.
package syncer

import "time"

// ConflictType classifies a structural disagreement between the two lanes.
type ConflictType string

const (
	// ConflictValueMismatch is the same path holding different scalars.
	ConflictValueMismatch ConflictType = "value_mismatch"
	// ConflictTypeMismatch is the same path holding different underlying types.
	ConflictTypeMismatch ConflictType = "type_mismatch"
	// ConflictMissingField is a path present in only one payload.
	ConflictMissingField ConflictType = "missing_field"
)

// Severity grades a conflict's impact on the merged result.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// weight is the contribution of one conflict to the consistency penalty.
func (s Severity) weight() float64 {
	switch s {
	case SeverityLow:
		return 0.1
	case SeverityMedium:
		return 0.3
	case SeverityHigh:
		return 0.7
	case SeverityCritical:
		return 1.0
	}
	return 0.3
}

// Strategy selects how a conflict's winning value is chosen.
type Strategy string

const (
	// StrategyHighestConfidence picks the value from the lane with the
	// higher per-lane confidence.
	StrategyHighestConfidence Strategy = "highest_confidence"
	// StrategyMostRecent takes the comprehensive value (it always finishes
	// last within a sync pair).
	StrategyMostRecent Strategy = "most_recent"
	// StrategyComprehensiveWins always takes the comprehensive value.
	StrategyComprehensiveWins Strategy = "comprehensive_wins"
	// StrategyWeightedAverage blends numeric values; non-numeric conflicts
	// fall back to StrategyComprehensiveWins.
	StrategyWeightedAverage Strategy = "weighted_average"
	// StrategyManualReview leaves the conflict unresolved for a human.
	StrategyManualReview Strategy = "manual_review"
)

// SyncStatus is the lifecycle state of a sync session.
type SyncStatus string

const (
	SyncPending          SyncStatus = "pending"
	SyncInProgress       SyncStatus = "in_progress"
	SyncSynchronized     SyncStatus = "synchronized"
	SyncConflictDetected SyncStatus = "conflict_detected"
	SyncFailed           SyncStatus = "failed"
	SyncTimeout          SyncStatus = "timeout"
)

// Conflict is one detected disagreement at a specific field path.
type Conflict struct {
	ID                   string       `json:"id"`
	FieldPath            string       `json:"field_path"`
	RealTimeValue        interface{}  `json:"real_time_value"`
	ComprehensiveValue   interface{}  `json:"comprehensive_value"`
	Type                 ConflictType `json:"conflict_type"`
	Severity             Severity     `json:"severity"`
	Strategy             Strategy     `json:"resolution_strategy"`
	ResolvedValue        interface{}  `json:"resolved_value,omitempty"`
	Resolved             bool         `json:"resolved"`
	ResolutionConfidence float64      `json:"resolution_confidence"`
	ManualReviewRequired bool         `json:"manual_review_required"`
}

// Result is the outcome of one synchronization run.
type Result struct {
	SyncID              string                 `json:"sync_id"`
	Status              SyncStatus             `json:"status"`
	MergedResult        map[string]interface{} `json:"merged_result,omitempty"`
	Conflicts           []Conflict             `json:"conflicts,omitempty"`
	ConsistencyScore    float64                `json:"consistency_score"`
	SyncConfidence      float64                `json:"sync_confidence"`
	ProcessingTime      time.Duration          `json:"processing_time"`
	RealTimeWeight      float64                `json:"real_time_weight"`
	ComprehensiveWeight float64                `json:"comprehensive_weight"`
	Metadata            map[string]interface{} `json:"metadata,omitempty"`
	CreatedAt           time.Time              `json:"created_at"`
}

// Unresolved counts conflicts without a resolved value.
func (r *Result) Unresolved() int {
	n := 0
	for i := range r.Conflicts {
		if !r.Conflicts[i].Resolved {
			n++
		}
	}
	return n
}
