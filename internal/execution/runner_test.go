package execution

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte("#!/bin/sh\n"+body), 0755); err != nil {
		t.Fatal(err)
	}
	return path
}

func subRecipeTask(t *testing.T, dir, id string, params map[string]interface{}) (Task, string) {
	t.Helper()
	recipePath := filepath.Join(dir, id+".yaml")
	if err := os.WriteFile(recipePath, []byte("title: r\ndescription: d\nprompt: p\n"), 0644); err != nil {
		t.Fatal(err)
	}
	return Task{
		ID:   id,
		Type: TaskTypeSubRecipe,
		Payload: Payload{SubRecipe: &SubRecipe{
			Name:              id,
			RecipePath:        recipePath,
			CommandParameters: params,
		}},
	}, recipePath
}

func newRunner(t *testing.T, tasks []Task, cfg TaskConfig) (*Runner, *Notifier) {
	t.Helper()
	n := NewNotifier(256)
	tracker := NewTracker(tasks, SingleTaskOutput, n)
	return NewRunner(tracker, cfg), n
}

func TestRunner_SubRecipeSuccess_JSONLastLine(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "agent", "echo progress line\necho '{\"answer\": 7}'\n")
	task, _ := subRecipeTask(t, dir, "ok", nil)

	r, _ := newRunner(t, []Task{task}, TaskConfig{BinaryPath: script, TimeoutSeconds: 30})
	result := r.Process(context.Background(), task)

	if result.Status != StatusCompleted {
		t.Fatalf("result = %+v", result)
	}
	if result.Data != `{"answer": 7}` {
		t.Errorf("data = %v", result.Data)
	}
}

func TestRunner_SubRecipeSuccess_PlainTextOutput(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "agent", "echo line one\necho line two\n")
	task, _ := subRecipeTask(t, dir, "plain", nil)

	r, _ := newRunner(t, []Task{task}, TaskConfig{BinaryPath: script, TimeoutSeconds: 30})
	result := r.Process(context.Background(), task)

	if result.Status != StatusCompleted {
		t.Fatalf("result = %+v", result)
	}
	if result.Data != "line one\nline two\n" {
		t.Errorf("data = %q", result.Data)
	}
}

func TestRunner_SubRecipePassesParams(t *testing.T) {
	dir := t.TempDir()
	// Echo all arguments so the test can assert the CLI contract.
	script := writeScript(t, dir, "agent", `echo "$@"`+"\n")
	task, recipePath := subRecipeTask(t, dir, "args", map[string]interface{}{
		"region": "eu",
		"count":  float64(3),
	})

	r, _ := newRunner(t, []Task{task}, TaskConfig{BinaryPath: script, TimeoutSeconds: 30})
	result := r.Process(context.Background(), task)

	if result.Status != StatusCompleted {
		t.Fatalf("result = %+v", result)
	}
	out := result.Data.(string)
	for _, want := range []string{
		"run --recipe " + recipePath + " --no-session",
		"--params count=3",
		"--params region=eu",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("child args %q missing %q", out, want)
		}
	}
}

func TestRunner_SubRecipeFailure_CarriesStderr(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "agent", "echo partial stdout\necho 'boom' >&2\nexit 3\n")
	task, _ := subRecipeTask(t, dir, "bad", nil)

	r, _ := newRunner(t, []Task{task}, TaskConfig{BinaryPath: script, TimeoutSeconds: 30})
	result := r.Process(context.Background(), task)

	if result.Status != StatusFailed {
		t.Fatalf("result = %+v", result)
	}
	if !strings.Contains(result.Error, "Command failed:") || !strings.Contains(result.Error, "boom") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestRunner_SubRecipeMissingRecipe(t *testing.T) {
	dir := t.TempDir()
	task := Task{
		ID:   "missing",
		Type: TaskTypeSubRecipe,
		Payload: Payload{SubRecipe: &SubRecipe{
			Name:       "missing",
			RecipePath: filepath.Join(dir, "does-not-exist.yaml"),
		}},
	}

	r, _ := newRunner(t, []Task{task}, TaskConfig{BinaryPath: "/bin/true", TimeoutSeconds: 30})
	result := r.Process(context.Background(), task)

	if result.Status != StatusFailed {
		t.Fatalf("result = %+v", result)
	}
	if !strings.Contains(result.Error, "Recipe file not found") {
		t.Errorf("error = %q", result.Error)
	}
}

func TestRunner_SubRecipeTimeoutKillsChild(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "agent", "sleep 30\n")
	task, _ := subRecipeTask(t, dir, "slow", nil)

	r, _ := newRunner(t, []Task{task}, TaskConfig{BinaryPath: script, TimeoutSeconds: 1})

	start := time.Now()
	result := r.Process(context.Background(), task)
	elapsed := time.Since(start)

	if result.Status != StatusFailed {
		t.Fatalf("result = %+v", result)
	}
	if !strings.Contains(result.Error, "timed out after 1 s") {
		t.Errorf("error = %q", result.Error)
	}
	// SIGTERM kills the sleeping shell well before the SIGKILL grace.
	if elapsed > 8*time.Second {
		t.Errorf("elapsed = %v", elapsed)
	}
}

func TestRunner_SubRecipeCancelled(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "agent", "sleep 30\n")
	task, _ := subRecipeTask(t, dir, "cancel", nil)

	r, _ := newRunner(t, []Task{task}, TaskConfig{BinaryPath: script, TimeoutSeconds: 60})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()

	result := r.Process(ctx, task)
	if result.Status != StatusFailed {
		t.Fatalf("result = %+v", result)
	}
	if result.Error != "Command cancelled" {
		t.Errorf("error = %q", result.Error)
	}
}

func TestRunner_SubRecipeStripsANSIAndStreams(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "agent", `printf '\033[31mred\033[0m line\n'`+"\n")
	task, _ := subRecipeTask(t, dir, "ansi", nil)

	r, n := newRunner(t, []Task{task}, TaskConfig{BinaryPath: script, TimeoutSeconds: 30})
	result := r.Process(context.Background(), task)

	if result.Status != StatusCompleted {
		t.Fatalf("result = %+v", result)
	}

	var sawLine bool
	for {
		select {
		case e := <-n.Events():
			if e.Subtype == SubtypeLineOutput {
				lo := e.Payload.(LineOutput)
				if strings.Contains(lo.Output, "\x1b") {
					t.Errorf("line not ANSI-stripped: %q", lo.Output)
				}
				if strings.Contains(lo.Output, "red line") {
					sawLine = true
				}
			}
		default:
			if !sawLine {
				t.Error("no line_output observed for child stdout")
			}
			return
		}
	}
}

func TestRunner_OnSpawnReportsPID(t *testing.T) {
	dir := t.TempDir()
	script := writeScript(t, dir, "agent", "echo hi\n")
	task, _ := subRecipeTask(t, dir, "pid", nil)

	var reported int
	r, _ := newRunner(t, []Task{task}, TaskConfig{
		BinaryPath:     script,
		TimeoutSeconds: 30,
		OnSpawn:        func(pid int) { reported = pid },
	})
	result := r.Process(context.Background(), task)

	if result.Status != StatusCompleted {
		t.Fatalf("result = %+v", result)
	}
	if reported <= 0 {
		t.Errorf("pid = %d, want > 0", reported)
	}
}

func TestRunner_UnknownTaskType(t *testing.T) {
	task := Task{ID: "x", Type: "mystery"}
	r, _ := newRunner(t, []Task{task}, TaskConfig{TimeoutSeconds: 5})

	result := r.Process(context.Background(), task)
	if result.Status != StatusFailed || !strings.Contains(result.Error, "unknown task type") {
		t.Errorf("result = %+v", result)
	}
}
