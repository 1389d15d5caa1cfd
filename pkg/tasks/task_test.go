package tasks

import (
	"testing"
	"time"
)

func TestPriorityRanks(t *testing.T) {
	ranks := map[Priority]int{
		PriorityImmediate:     1,
		PriorityFast:          2,
		PriorityNormal:        3,
		PriorityComprehensive: 4,
		PriorityDeep:          5,
	}
	for p, want := range ranks {
		if got := p.Rank(); got != want {
			t.Errorf("Rank(%s) = %d, want %d", p, got, want)
		}
		if !p.Valid() {
			t.Errorf("Expected %s valid", p)
		}
	}
	if Priority("urgent").Valid() {
		t.Error("Expected unknown priority invalid")
	}
}

func TestTypeValidation(t *testing.T) {
	if !TypeTranscriptAnalysis.Valid() {
		t.Error("Expected transcript_analysis valid")
	}
	if Type("nonsense").Valid() {
		t.Error("Expected unknown type invalid")
	}
}

func TestTerminalStatuses(t *testing.T) {
	terminal := []Status{StatusCompleted, StatusFailed, StatusCancelled}
	for _, s := range terminal {
		if !s.Terminal() {
			t.Errorf("Expected %s terminal", s)
		}
	}
	for _, s := range []Status{StatusQueued, StatusProcessing} {
		if s.Terminal() {
			t.Errorf("Expected %s non-terminal", s)
		}
	}
}

func TestSyncIDExtraction(t *testing.T) {
	task := &Task{Metadata: map[string]interface{}{MetaSyncID: "sync-42"}}
	if got := task.SyncID(); got != "sync-42" {
		t.Errorf("SyncID() = %q, want sync-42", got)
	}

	if got := (&Task{}).SyncID(); got != "" {
		t.Errorf("Expected empty sync id, got %q", got)
	}

	// Non-string value is ignored
	task = &Task{Metadata: map[string]interface{}{MetaSyncID: 42}}
	if got := task.SyncID(); got != "" {
		t.Errorf("Expected empty sync id for non-string value, got %q", got)
	}
}

func TestConfidenceFrom(t *testing.T) {
	if c, ok := ConfidenceFrom(map[string]interface{}{"confidence": 0.8}); !ok || c != 0.8 {
		t.Errorf("ConfidenceFrom = %v, %v", c, ok)
	}
	if _, ok := ConfidenceFrom(map[string]interface{}{"confidence": "high"}); ok {
		t.Error("Expected non-numeric confidence rejected")
	}
	if _, ok := ConfidenceFrom(nil); ok {
		t.Error("Expected nil payload rejected")
	}
}

func TestProcessingTime(t *testing.T) {
	start := time.Now().Add(-2 * time.Second)
	end := start.Add(time.Second)
	task := &Task{StartedAt: &start, CompletedAt: &end}
	if got := task.ProcessingTime(); got != time.Second {
		t.Errorf("ProcessingTime = %s, want 1s", got)
	}
	if got := (&Task{}).ProcessingTime(); got != 0 {
		t.Errorf("Expected 0 for unstarted task, got %s", got)
	}
}
