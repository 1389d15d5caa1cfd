// Package main provides a benchmark tool measuring coordinator throughput.
// It drives an in-process coordinator with concurrent submitters and a
// no-op processor and reports admission and processing rates.
//
// Usage:
//
//	go run ./benchmark -tasks 100000
package main

import (
	"context"
	"flag"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guido-cesarano/dualpipe/pkg/coordinator"
	"github.com/guido-cesarano/dualpipe/pkg/tasks"
)

func main() {
	numTasks := flag.Int("tasks", 100000, "Number of tasks to submit")
	numSubmitters := flag.Int("submitters", 10, "Number of concurrent submitters")
	flag.Parse()

	coord, err := coordinator.New(coordinator.Options{
		RealTimeWorkers: 8,
		MaxQueueSize:    *numTasks + 1,
		PollInterval:    50 * time.Millisecond,
	})
	if err != nil {
		panic(err)
	}
	noop := coordinator.ProcessorFunc(func(ctx context.Context, task *tasks.Task) (map[string]interface{}, error) {
		return map[string]interface{}{"ok": true}, nil
	})
	for _, p := range []tasks.Pipeline{tasks.PipelineRealTime, tasks.PipelineComprehensive} {
		coord.RegisterProcessor(tasks.TypeTranscriptAnalysis, p, noop)
	}
	coord.Start()

	fmt.Printf("dualpipe Benchmark\n")
	fmt.Printf("==================\n")
	fmt.Printf("Tasks to submit: %d\n", *numTasks)
	fmt.Printf("Concurrent submitters: %d\n\n", *numSubmitters)

	fmt.Printf("Starting submit phase...\n")
	startSubmit := time.Now()

	var wg sync.WaitGroup
	var submitted atomic.Int64
	tasksPerSubmitter := *numTasks / *numSubmitters

	for i := 0; i < *numSubmitters; i++ {
		wg.Add(1)
		go func(submitterID int) {
			defer wg.Done()
			for j := 0; j < tasksPerSubmitter; j++ {
				input := map[string]interface{}{"submitter": submitterID, "task": j}
				if _, err := coord.SubmitTask(tasks.TypeTranscriptAnalysis, input, tasks.PriorityImmediate, nil, false); err != nil {
					fmt.Printf("Error submitting: %v\n", err)
					return
				}
				submitted.Add(1)
			}
		}(i)
	}

	wg.Wait()
	submitTime := time.Since(startSubmit)

	fmt.Printf("✓ Submitted %d tasks in %s\n", submitted.Load(), submitTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n\n", float64(submitted.Load())/submitTime.Seconds())

	fmt.Printf("Waiting for all tasks to be processed...\n")
	startProcess := time.Now()

	for {
		m := coord.GetMetrics()[tasks.PipelineRealTime]
		remaining := submitted.Load() - m.CompletedTasks - m.FailedTasks
		if remaining <= 0 {
			break
		}
		time.Sleep(2 * time.Second)
		fmt.Printf("  Remaining: %d tasks\n", remaining)
	}

	processTime := time.Since(startProcess)

	fmt.Printf("\n✓ All tasks processed in %s\n", processTime)
	fmt.Printf("  Throughput: %.2f tasks/sec\n", float64(*numTasks)/processTime.Seconds())

	totalTime := submitTime + processTime
	fmt.Printf("\nTotal time: %s\n", totalTime)
	fmt.Printf("Overall throughput: %.2f tasks/sec\n", float64(*numTasks)/totalTime.Seconds())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	coord.Shutdown(ctx)
}
