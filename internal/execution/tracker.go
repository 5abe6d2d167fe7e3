package execution

import (
	"sort"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// DisplayMode selects how the tracker surfaces live output.
type DisplayMode int

const (
	// MultipleTasksOutput accumulates per-line stdout into each task's
	// current_output and emits throttled dashboard updates.
	MultipleTasksOutput DisplayMode = iota
	// SingleTaskOutput forwards each stdout line immediately and retains
	// nothing.
	SingleTaskOutput
)

const (
	throttleInterval            = 250 * time.Millisecond
	completionNotificationDelay = 500 * time.Millisecond
)

// Tracker owns the live state of one batch and emits progress notifications.
// It never returns errors to the executor; everything is a notification.
type Tracker struct {
	mu    sync.RWMutex
	tasks map[string]*TaskInfo

	notifier *Notifier
	mode     DisplayMode

	// throttle bounds tasks_update emission to one per interval. Status
	// transitions bypass it (and consume its token, so the next output
	// event is throttled relative to the forced flush).
	throttle *rate.Limiter

	// completionDelay lets subscribers drain before the executor returns.
	// Overridable in tests.
	completionDelay time.Duration
}

// NewTracker registers the batch with all tasks Pending.
func NewTracker(tasks []Task, mode DisplayMode, notifier *Notifier) *Tracker {
	taskMap := make(map[string]*TaskInfo, len(tasks))
	for _, task := range tasks {
		taskMap[task.ID] = &TaskInfo{
			Task:   task,
			Status: StatusPending,
		}
	}
	return &Tracker{
		tasks:           taskMap,
		notifier:        notifier,
		mode:            mode,
		throttle:        rate.NewLimiter(rate.Every(throttleInterval), 1),
		completionDelay: completionNotificationDelay,
	}
}

// StartTask transitions a task Pending → Running and force-flushes.
func (t *Tracker) StartTask(taskID string) {
	now := time.Now()
	t.mu.Lock()
	if ti, ok := t.tasks[taskID]; ok {
		ti.Status = StatusRunning
		ti.StartTime = &now
	}
	t.mu.Unlock()
	t.forceRefresh()
}

// CompleteTask records a terminal result and force-flushes. A task that is
// already terminal keeps its first outcome.
func (t *Tracker) CompleteTask(taskID string, result TaskResult) {
	now := time.Now()
	t.mu.Lock()
	if ti, ok := t.tasks[taskID]; ok && !ti.Status.Terminal() {
		ti.Status = result.Status
		ti.EndTime = &now
		ti.Result = &result
	}
	t.mu.Unlock()
	t.forceRefresh()
}

// SendLiveOutput routes one stdout line per the display mode.
func (t *Tracker) SendLiveOutput(taskID, line string) {
	switch t.mode {
	case SingleTaskOutput:
		t.mu.RLock()
		formatted := line
		if ti, ok := t.tasks[taskID]; ok {
			name := TaskName(ti)
			meta := FormatTaskMetadata(ti)
			if meta == "" {
				formatted = "[" + name + " (" + ti.Task.Type + ")] " + line
			} else {
				formatted = "[" + name + " (" + ti.Task.Type + ") " + meta + "] " + line
			}
		}
		t.mu.RUnlock()

		t.notifier.TrySend(NewLineOutputEvent(taskID, formatted))

	case MultipleTasksOutput:
		t.mu.Lock()
		if ti, ok := t.tasks[taskID]; ok {
			ti.CurrentOutput += line + "\n"
		}
		t.mu.Unlock()

		if t.throttle.Allow() {
			t.sendTasksUpdate()
		}
	}
}

// CurrentOutput returns the accumulated output for a task.
func (t *Tracker) CurrentOutput(taskID string) string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if ti, ok := t.tasks[taskID]; ok {
		return ti.CurrentOutput
	}
	return ""
}

// Stats returns a snapshot of the batch counters.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return CountByStatus(t.tasks)
}

// RefreshDisplay emits a dashboard update in multi-task mode. Single-task
// mode has no dashboard; live output covers it.
func (t *Tracker) RefreshDisplay() {
	if t.mode == MultipleTasksOutput {
		t.sendTasksUpdate()
	}
}

// forceRefresh emits regardless of throttle state, consuming the throttle
// token so subsequent output events are paced relative to this flush.
func (t *Tracker) forceRefresh() {
	if t.mode != MultipleTasksOutput {
		return
	}
	t.throttle.Allow()
	t.sendTasksUpdate()
}

func (t *Tracker) sendTasksUpdate() {
	t.mu.RLock()
	stats := CountByStatus(t.tasks)
	now := time.Now()

	tasks := make([]TaskEventInfo, 0, len(t.tasks))
	for _, ti := range t.tasks {
		info := TaskEventInfo{
			ID:            ti.Task.ID,
			Status:        ti.Status,
			DurationSecs:  ti.DurationSecs(now),
			CurrentOutput: ti.CurrentOutput,
			TaskType:      ti.Task.Type,
			TaskName:      TaskName(ti),
			TaskMetadata:  FormatTaskMetadata(ti),
		}
		if ti.Result != nil {
			info.Error = ti.Result.Error
			info.ResultData = ti.Result.Data
		}
		tasks = append(tasks, info)
	}
	t.mu.RUnlock()

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	t.notifier.TrySend(NewTasksUpdateEvent(stats, tasks))
}

// SendTasksComplete emits the terminal event for the batch, then sleeps
// briefly so subscribers can drain before the executor returns.
func (t *Tracker) SendTasksComplete() {
	t.mu.RLock()
	stats := CountByStatus(t.tasks)

	var failed []FailedTask
	for _, ti := range t.tasks {
		if ti.Status != StatusFailed {
			continue
		}
		ft := FailedTask{ID: ti.Task.ID, Name: TaskName(ti)}
		if ti.Result != nil {
			ft.Error = ti.Result.Error
		}
		failed = append(failed, ft)
	}
	t.mu.RUnlock()

	sort.Slice(failed, func(i, j int) bool { return failed[i].ID < failed[j].ID })
	t.notifier.TrySend(NewTasksCompleteEvent(NewCompletionStats(stats.Total, stats.Completed, stats.Failed), failed))

	time.Sleep(t.completionDelay)
}
