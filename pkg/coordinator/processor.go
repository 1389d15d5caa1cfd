package coordinator

import (
	"context"

	"github.com/guido-cesarano/dualpipe/pkg/tasks"
)

// Processor is the pluggable analysis logic invoked per task. One
// implementation is registered per (task type, pipeline) combination.
// Implementations must be safe under concurrent invocation and must respect
// ctx, which carries the pipeline deadline and cancellation signal.
type Processor interface {
	Process(ctx context.Context, task *tasks.Task) (map[string]interface{}, error)
}

// ProcessorFunc adapts a function to the Processor interface.
type ProcessorFunc func(ctx context.Context, task *tasks.Task) (map[string]interface{}, error)

// Process implements Processor.
func (f ProcessorFunc) Process(ctx context.Context, task *tasks.Task) (map[string]interface{}, error) {
	return f(ctx, task)
}

type procKey struct {
	taskType tasks.Type
	pipeline tasks.Pipeline
}

// RegisterProcessor installs the processor for a (task type, pipeline)
// combination, replacing any previous registration.
func (c *Coordinator) RegisterProcessor(taskType tasks.Type, pipeline tasks.Pipeline, p Processor) {
	c.procMu.Lock()
	defer c.procMu.Unlock()
	c.processors[procKey{taskType, pipeline}] = p
}

func (c *Coordinator) processor(taskType tasks.Type, pipeline tasks.Pipeline) Processor {
	c.procMu.RLock()
	defer c.procMu.RUnlock()
	return c.processors[procKey{taskType, pipeline}]
}
