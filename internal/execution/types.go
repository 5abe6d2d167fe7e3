// Package execution is the sub-agent task engine: a worker pool draining a
// batch of heterogeneous tasks, a tracker streaming structured progress
// notifications, and a runner that spawns sub-recipe children or drives
// in-process sub-agents.
package execution

import (
	"time"
)

// Task kinds.
const (
	TaskTypeSubRecipe       = "sub_recipe"
	TaskTypeTextInstruction = "text_instruction"
)

// Task is one immutable unit of work within a batch.
type Task struct {
	ID      string  `json:"id"`
	Type    string  `json:"task_type"`
	Payload Payload `json:"payload"`
}

// Payload carries the kind-specific content.
type Payload struct {
	SubRecipe       *SubRecipe `json:"sub_recipe,omitempty"`
	TextInstruction string     `json:"text_instruction,omitempty"`
}

// SubRecipe identifies a recipe file to execute as a child process.
type SubRecipe struct {
	Name              string                 `json:"name"`
	RecipePath        string                 `json:"recipe_path"`
	CommandParameters map[string]interface{} `json:"command_parameters,omitempty"`
}

// Status is the lifecycle state of a task. The only legal progression is
// Pending → Running → (Completed | Failed).
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Terminal reports whether the status is final.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// TaskResult is the terminal outcome of one task.
type TaskResult struct {
	TaskID string      `json:"task_id"`
	Status Status      `json:"status"`
	Data   interface{} `json:"data,omitempty"`
	Error  string      `json:"error,omitempty"`
}

// TaskInfo is the tracker's live view of a task.
type TaskInfo struct {
	Task          Task
	Status        Status
	StartTime     *time.Time
	EndTime       *time.Time
	CurrentOutput string
	Result        *TaskResult
}

// DurationSecs returns elapsed seconds since start, frozen at end time once
// terminal. Nil before the task has started.
func (ti *TaskInfo) DurationSecs(now time.Time) *float64 {
	if ti.StartTime == nil {
		return nil
	}
	end := now
	if ti.EndTime != nil {
		end = *ti.EndTime
	}
	secs := end.Sub(*ti.StartTime).Seconds()
	return &secs
}

// Stats are the live per-batch counters carried by tasks_update events.
type Stats struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Running   int `json:"running"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// CompletionStats summarize a finished batch for tasks_complete events.
type CompletionStats struct {
	Total       int     `json:"total"`
	Completed   int     `json:"completed"`
	Failed      int     `json:"failed"`
	SuccessRate float64 `json:"success_rate"`
}

// NewCompletionStats computes success_rate = 100·completed/total (0 when the
// batch was empty).
func NewCompletionStats(total, completed, failed int) CompletionStats {
	rate := 0.0
	if total > 0 {
		rate = float64(completed) / float64(total) * 100.0
	}
	return CompletionStats{Total: total, Completed: completed, Failed: failed, SuccessRate: rate}
}

// ExecutionStats are the aggregate numbers returned by ExecuteTasks.
type ExecutionStats struct {
	TotalTasks      int   `json:"total_tasks"`
	Completed       int   `json:"completed"`
	Failed          int   `json:"failed"`
	ExecutionTimeMS int64 `json:"execution_time_ms"`
}

// ExecutionResponse is the aggregate outcome of one ExecuteTasks call.
type ExecutionResponse struct {
	Status  string         `json:"status"`
	Results []TaskResult   `json:"results"`
	Stats   ExecutionStats `json:"stats"`
}
