package execution

import (
	"encoding/json"
	"log/slog"
	"sync"
)

// Notification subtypes.
const (
	EventTypeTaskExecution = "task_execution"

	SubtypeLineOutput    = "line_output"
	SubtypeTasksUpdate   = "tasks_update"
	SubtypeTasksComplete = "tasks_complete"
)

// Event is one notification on the notifier channel. On the wire it is a
// JSON object with top-level type/subtype and the payload fields inlined.
type Event struct {
	Subtype string
	Payload interface{}
}

// MarshalJSON inlines the payload fields next to the envelope fields.
func (e Event) MarshalJSON() ([]byte, error) {
	data, err := json.Marshal(e.Payload)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, err
	}
	out := make(map[string]json.RawMessage, len(fields)+2)
	for k, v := range fields {
		out[k] = v
	}
	out["type"], _ = json.Marshal(EventTypeTaskExecution)
	out["subtype"], _ = json.Marshal(e.Subtype)
	return json.Marshal(out)
}

// LineOutput is the payload of a line_output event (single-task mode).
type LineOutput struct {
	TaskID string `json:"task_id"`
	Output string `json:"output"`
}

// TaskEventInfo is the per-task snapshot carried by tasks_update events.
type TaskEventInfo struct {
	ID            string      `json:"id"`
	Status        Status      `json:"status"`
	DurationSecs  *float64    `json:"duration_secs,omitempty"`
	CurrentOutput string      `json:"current_output"`
	TaskType      string      `json:"task_type"`
	TaskName      string      `json:"task_name"`
	TaskMetadata  string      `json:"task_metadata"`
	Error         string      `json:"error,omitempty"`
	ResultData    interface{} `json:"result_data,omitempty"`
}

// TasksUpdate is the payload of a tasks_update event (multi-task mode).
type TasksUpdate struct {
	Stats Stats           `json:"stats"`
	Tasks []TaskEventInfo `json:"tasks"`
}

// FailedTask describes one failed task in a tasks_complete event.
type FailedTask struct {
	ID    string `json:"id"`
	Name  string `json:"name"`
	Error string `json:"error,omitempty"`
}

// TasksComplete is the terminal payload for a batch.
type TasksComplete struct {
	Stats       CompletionStats `json:"stats"`
	FailedTasks []FailedTask    `json:"failed_tasks"`
}

func NewLineOutputEvent(taskID, output string) Event {
	return Event{Subtype: SubtypeLineOutput, Payload: LineOutput{TaskID: taskID, Output: output}}
}

func NewTasksUpdateEvent(stats Stats, tasks []TaskEventInfo) Event {
	return Event{Subtype: SubtypeTasksUpdate, Payload: TasksUpdate{Stats: stats, Tasks: tasks}}
}

func NewTasksCompleteEvent(stats CompletionStats, failed []FailedTask) Event {
	if failed == nil {
		failed = []FailedTask{}
	}
	return Event{Subtype: SubtypeTasksComplete, Payload: TasksComplete{Stats: stats, FailedTasks: failed}}
}

// Notifier is a bounded event channel. Sends never block: a full channel
// drops the event with a warning so a slow consumer cannot stall execution.
type Notifier struct {
	ch        chan Event
	closeOnce sync.Once
}

// NewNotifier creates a notifier with the given buffer size.
func NewNotifier(buffer int) *Notifier {
	if buffer <= 0 {
		buffer = 64
	}
	return &Notifier{ch: make(chan Event, buffer)}
}

// Events returns the receive side for consumers.
func (n *Notifier) Events() <-chan Event { return n.ch }

// TrySend delivers an event without blocking, dropping on a full channel.
func (n *Notifier) TrySend(e Event) {
	if n == nil {
		return
	}
	select {
	case n.ch <- e:
	default:
		slog.Warn("notifier channel full, dropping event", "subtype", e.Subtype)
	}
}

// Close closes the event channel. Safe to call more than once.
func (n *Notifier) Close() {
	if n == nil {
		return
	}
	n.closeOnce.Do(func() { close(n.ch) })
}
