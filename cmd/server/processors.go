package main

import (
	"context"
	"time"

	"github.com/guido-cesarano/dualpipe/pkg/coordinator"
	"github.com/guido-cesarano/dualpipe/pkg/tasks"
)

// registerProcessors installs the built-in simulation processors for every
// (task type, pipeline) combination. Real analysis backends replace these
// via coordinator.RegisterProcessor.
func registerProcessors(coord *coordinator.Coordinator) {
	for _, taskType := range []tasks.Type{
		tasks.TypeTranscriptAnalysis,
		tasks.TypePatternDetection,
		tasks.TypeOracleConsultation,
		tasks.TypeKnowledgeGraphUpdate,
	} {
		coord.RegisterProcessor(taskType, tasks.PipelineRealTime, simulated(taskType, 50*time.Millisecond, 0.75))
		coord.RegisterProcessor(taskType, tasks.PipelineComprehensive, simulated(taskType, 400*time.Millisecond, 0.93))
	}
}

// simulated mimics an analysis backend: it sleeps for the configured work
// time, honoring cancellation, and echoes a result carrying the documented
// confidence key.
func simulated(taskType tasks.Type, work time.Duration, confidence float64) coordinator.Processor {
	return coordinator.ProcessorFunc(func(ctx context.Context, task *tasks.Task) (map[string]interface{}, error) {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(work):
		}
		return map[string]interface{}{
			"task_type":  string(taskType),
			"summary":    "simulated analysis output",
			"confidence": confidence,
			"input_keys": len(task.Input),
		}, nil
	})
}
