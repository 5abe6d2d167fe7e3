package execution

import (
	"encoding/json"
	"testing"
)

func TestLineOutputEventSerialization(t *testing.T) {
	event := NewLineOutputEvent("task-1", "Hello World")

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if m["type"] != "task_execution" {
		t.Errorf("type = %v", m["type"])
	}
	if m["subtype"] != "line_output" {
		t.Errorf("subtype = %v", m["subtype"])
	}
	if m["task_id"] != "task-1" {
		t.Errorf("task_id = %v", m["task_id"])
	}
	if m["output"] != "Hello World" {
		t.Errorf("output = %v", m["output"])
	}
}

func TestTasksUpdateEventSerialization(t *testing.T) {
	stats := Stats{Total: 5, Pending: 2, Running: 1, Completed: 1, Failed: 1}
	dur := 1.5
	tasks := []TaskEventInfo{{
		ID:            "task-1",
		Status:        StatusRunning,
		DurationSecs:  &dur,
		CurrentOutput: "Processing...",
		TaskType:      TaskTypeSubRecipe,
		TaskName:      "test-task",
		TaskMetadata:  "param=value",
	}}

	data, err := json.Marshal(NewTasksUpdateEvent(stats, tasks))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	if m["type"] != "task_execution" || m["subtype"] != "tasks_update" {
		t.Errorf("envelope = %v/%v", m["type"], m["subtype"])
	}
	gotStats := m["stats"].(map[string]interface{})
	if gotStats["total"] != float64(5) {
		t.Errorf("stats.total = %v", gotStats["total"])
	}
	if len(m["tasks"].([]interface{})) != 1 {
		t.Errorf("tasks = %v", m["tasks"])
	}
}

func TestTasksCompleteEventSerialization(t *testing.T) {
	event := NewTasksCompleteEvent(NewCompletionStats(4, 3, 1), []FailedTask{
		{ID: "b", Name: "recipe-b", Error: "boom"},
	})

	data, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	var m map[string]interface{}
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}

	stats := m["stats"].(map[string]interface{})
	if stats["success_rate"] != float64(75) {
		t.Errorf("success_rate = %v", stats["success_rate"])
	}
	failed := m["failed_tasks"].([]interface{})
	if len(failed) != 1 {
		t.Fatalf("failed_tasks = %v", failed)
	}
	if failed[0].(map[string]interface{})["id"] != "b" {
		t.Errorf("failed task = %v", failed[0])
	}
}

func TestNewCompletionStats(t *testing.T) {
	tests := []struct {
		total, completed, failed int
		wantRate                 float64
	}{
		{0, 0, 0, 0.0},
		{2, 2, 0, 100.0},
		{4, 3, 1, 75.0},
		{3, 0, 3, 0.0},
	}
	for _, tt := range tests {
		got := NewCompletionStats(tt.total, tt.completed, tt.failed)
		if got.SuccessRate != tt.wantRate {
			t.Errorf("NewCompletionStats(%d,%d,%d).SuccessRate = %v, want %v",
				tt.total, tt.completed, tt.failed, got.SuccessRate, tt.wantRate)
		}
	}
}

func TestNotifier_DropsOnFull(t *testing.T) {
	n := NewNotifier(1)
	n.TrySend(NewLineOutputEvent("a", "1"))
	n.TrySend(NewLineOutputEvent("a", "2")) // dropped, must not block

	select {
	case e := <-n.Events():
		lo := e.Payload.(LineOutput)
		if lo.Output != "1" {
			t.Errorf("got %q, want first event", lo.Output)
		}
	default:
		t.Fatal("no event buffered")
	}

	select {
	case e := <-n.Events():
		t.Errorf("unexpected second event: %+v", e)
	default:
	}
}
