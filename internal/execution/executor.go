package execution

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
)

// Execution modes.
type Mode string

const (
	ModeSequential Mode = "sequential"
	ModeParallel   Mode = "parallel"
)

const (
	executionStatusCompleted = "completed"

	// DefaultMaxWorkers bounds batch concurrency.
	DefaultMaxWorkers = 10

	// cancelGrace bounds how long a cancelled ExecuteTasks waits for
	// in-flight runners before synthesizing failures for the remainder.
	cancelGrace = 5 * time.Second
)

// Options tunes one ExecuteTasks call beyond the per-task config.
type Options struct {
	// MaxWorkers caps the pool; DefaultMaxWorkers when zero.
	MaxWorkers int
	// EnableScaler turns on the demand-driven worker scaler. Off by
	// default; the fixed pool is the normal configuration.
	EnableScaler bool
}

// ExecuteTasks runs a batch to completion and aggregates the outcomes.
// Sequential mode is the same pool at W=1, which preserves input order in
// results. Cancelling ctx stops workers between tasks, aborts in-flight
// runners, and synthesizes "Task cancelled" failures for tasks that never
// produced a result.
func ExecuteTasks(ctx context.Context, tasks []Task, mode Mode, notifier *Notifier, cfg TaskConfig, opts Options) *ExecutionResponse {
	ctx, span := otel.Tracer("gosling/execution").Start(ctx, "execute_tasks")
	span.SetAttributes(
		attribute.Int("tasks.count", len(tasks)),
		attribute.String("tasks.mode", string(mode)),
	)
	defer span.End()

	start := time.Now()
	taskCount := len(tasks)

	displayMode := MultipleTasksOutput
	if taskCount == 1 {
		displayMode = SingleTaskOutput
	}
	tracker := NewTracker(tasks, displayMode, notifier)

	if taskCount == 0 {
		tracker.SendTasksComplete()
		return &ExecutionResponse{
			Status:  executionStatusCompleted,
			Results: []TaskResult{},
			Stats:   ExecutionStats{ExecutionTimeMS: time.Since(start).Milliseconds()},
		}
	}

	tracker.RefreshDisplay()

	taskCh := make(chan Task, taskCount)
	resultCh := make(chan TaskResult, taskCount)
	for _, task := range tasks {
		taskCh <- task
	}
	close(taskCh)

	state := &sharedState{
		taskCh:   taskCh,
		resultCh: resultCh,
		runner:   NewRunner(tracker, cfg),
	}

	maxWorkers := opts.MaxWorkers
	if maxWorkers <= 0 {
		maxWorkers = DefaultMaxWorkers
	}
	workerCount := taskCount
	if workerCount > maxWorkers {
		workerCount = maxWorkers
	}
	if mode == ModeSequential {
		workerCount = 1
	}

	var wg sync.WaitGroup
	for i := 0; i < workerCount; i++ {
		spawnWorker(ctx, &wg, state)
	}
	if opts.EnableScaler && mode == ModeParallel {
		go runScaler(ctx, &wg, state, taskCount, maxWorkers)
	}

	workersDone := make(chan struct{})
	go func() {
		wg.Wait()
		close(workersDone)
	}()

	results := collectResults(ctx, resultCh, workersDone, tracker, tasks)
	<-workersDone

	tracker.SendTasksComplete()

	stats := calculateStats(results, time.Since(start).Milliseconds())
	span.SetAttributes(
		attribute.Int("tasks.completed", stats.Completed),
		attribute.Int("tasks.failed", stats.Failed),
	)

	return &ExecutionResponse{
		Status:  executionStatusCompleted,
		Results: results,
		Stats:   stats,
	}
}

// collectResults gathers exactly one result per task, updating the tracker as
// each arrives. After cancellation it keeps draining until the workers exit
// (bounded by the runner's kill grace), with a hard grace timer as backstop,
// then synthesizes failures for the rest.
func collectResults(ctx context.Context, resultCh <-chan TaskResult, workersDone <-chan struct{}, tracker *Tracker, tasks []Task) []TaskResult {
	results := make([]TaskResult, 0, len(tasks))
	seen := make(map[string]bool, len(tasks))

	add := func(result TaskResult) {
		tracker.CompleteTask(result.TaskID, result)
		results = append(results, result)
		seen[result.TaskID] = true
	}

	cancelled := ctx.Done()
	var graceExpired <-chan time.Time

	for len(results) < len(tasks) {
		select {
		case result := <-resultCh:
			add(result)

		case <-cancelled:
			cancelled = nil
			timer := time.NewTimer(cancelGrace)
			defer timer.Stop()
			graceExpired = timer.C

		case <-graceExpired:
			return synthesizeCancelled(results, seen, tracker, tasks)

		case <-workersDone:
			// No more results will be produced; drain what is buffered.
			for len(results) < len(tasks) {
				select {
				case result := <-resultCh:
					add(result)
				default:
					return synthesizeCancelled(results, seen, tracker, tasks)
				}
			}
		}
	}
	return results
}

// synthesizeCancelled fails every task that never produced a result. A task
// already terminal at cancel time keeps its outcome.
func synthesizeCancelled(results []TaskResult, seen map[string]bool, tracker *Tracker, tasks []Task) []TaskResult {
	for _, task := range tasks {
		if seen[task.ID] {
			continue
		}
		result := TaskResult{TaskID: task.ID, Status: StatusFailed, Error: "Task cancelled"}
		tracker.CompleteTask(task.ID, result)
		results = append(results, result)
	}
	return results
}

func calculateStats(results []TaskResult, elapsedMS int64) ExecutionStats {
	stats := ExecutionStats{TotalTasks: len(results), ExecutionTimeMS: elapsedMS}
	for _, r := range results {
		switch r.Status {
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}
