package execution

import (
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// sharedState is what every worker in a pool sees.
type sharedState struct {
	taskCh   <-chan Task
	resultCh chan<- TaskResult
	runner   *Runner

	activeWorkers  atomic.Int32
	completedTasks atomic.Int32
}

// spawnWorker starts one cooperative worker loop: receive a task or exit on
// channel close, run it, send the result, then check cancellation.
func spawnWorker(ctx context.Context, wg *sync.WaitGroup, state *sharedState) {
	state.activeWorkers.Add(1)
	wg.Add(1)

	go func() {
		defer wg.Done()
		defer state.activeWorkers.Add(-1)

		for task := range state.taskCh {
			result := state.runner.Process(ctx, task)

			// Result channel capacity equals batch size, so this never blocks.
			state.resultCh <- result
			state.completedTasks.Add(1)

			// Cancellation is observed between tasks.
			if ctx.Err() != nil {
				return
			}
		}
	}()
}

// scalerInterval is how often the optional scaler samples the queue.
const scalerInterval = 100 * time.Millisecond

// runScaler monitors progress and spawns extra workers while observed pending
// work outpaces the active workers. Off by default; the fixed pool is the
// normal configuration.
func runScaler(ctx context.Context, wg *sync.WaitGroup, state *sharedState, taskCount, maxWorkers int) {
	spawned := 0

	ticker := time.NewTicker(scalerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		active := int(state.activeWorkers.Load())
		completed := int(state.completedTasks.Load())
		pending := taskCount - completed
		if pending < 0 {
			pending = 0
		}

		if completed >= taskCount {
			return
		}

		if pending > active*2 && active < maxWorkers && spawned < maxWorkers {
			spawnWorker(ctx, wg, state)
			spawned++
		}

		if active == 0 && pending > 0 {
			spawnWorker(ctx, wg, state)
			spawned++
		}
	}
}
