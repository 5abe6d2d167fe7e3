// Package display renders task execution notifications for a terminal.
// The first tasks_update of a batch clears the screen and draws the
// dashboard; subsequent updates move the cursor to the progress line and
// rewrite. This is a rendering convention of the CLI, not a wire contract.
package display

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mattn/go-runewidth"

	"github.com/nextlevelbuilder/gosling/internal/execution"
)

const (
	clearScreen        = "\x1b[2J\x1b[H"
	moveToProgressLine = "\x1b[4;1H"
	clearToEOL         = "\x1b[K"
	clearBelow         = "\x1b[J"

	maxOutputLines      = 2
	outputPreviewLength = 100
	errorPreviewLength  = 80
)

// Renderer formats execution events. It carries the "first update shown"
// state for one batch.
type Renderer struct {
	initialShown bool
}

func NewRenderer() *Renderer {
	return &Renderer{}
}

// Render formats one event; empty string means nothing to print.
func (r *Renderer) Render(e execution.Event) string {
	switch payload := e.Payload.(type) {
	case execution.LineOutput:
		return payload.Output + "\n"
	case execution.TasksUpdate:
		return r.renderUpdate(payload)
	case execution.TasksComplete:
		return renderComplete(payload)
	default:
		return ""
	}
}

func (r *Renderer) renderUpdate(update execution.TasksUpdate) string {
	var b strings.Builder

	if !r.initialShown {
		r.initialShown = true
		b.WriteString(clearScreen)
		b.WriteString("Task Execution Dashboard\n")
		b.WriteString("════════════════════════\n\n")
	} else {
		b.WriteString(moveToProgressLine)
	}

	stats := update.Stats
	fmt.Fprintf(&b, "Progress: %d total | %d pending | %d running | %d completed | %d failed",
		stats.Total, stats.Pending, stats.Running, stats.Completed, stats.Failed)
	b.WriteString(clearToEOL)
	b.WriteString("\n\n")

	tasks := append([]execution.TaskEventInfo(nil), update.Tasks...)
	sort.Slice(tasks, func(i, j int) bool { return tasks[i].ID < tasks[j].ID })
	for _, task := range tasks {
		b.WriteString(renderTask(task))
	}

	b.WriteString(clearBelow)
	return b.String()
}

func renderTask(task execution.TaskEventInfo) string {
	var b strings.Builder

	var marker string
	switch task.Status {
	case execution.StatusPending:
		marker = "·"
	case execution.StatusRunning:
		marker = ">"
	case execution.StatusCompleted:
		marker = "✓"
	case execution.StatusFailed:
		marker = "✗"
	}

	fmt.Fprintf(&b, "%s %s (%s)%s\n", marker, task.TaskName, task.TaskType, clearToEOL)

	if task.TaskMetadata != "" {
		fmt.Fprintf(&b, "   params: %s%s\n", task.TaskMetadata, clearToEOL)
	}
	if task.DurationSecs != nil {
		fmt.Fprintf(&b, "   %.1fs%s\n", *task.DurationSecs, clearToEOL)
	}

	if task.Status == execution.StatusRunning && strings.TrimSpace(task.CurrentOutput) != "" {
		if preview := outputPreview(task.CurrentOutput); preview != "" {
			fmt.Fprintf(&b, "   %s%s\n", preview, clearToEOL)
		}
	}

	if task.Status == execution.StatusCompleted && task.ResultData != nil {
		if preview := resultPreview(task.ResultData); preview != "" {
			fmt.Fprintf(&b, "   %s%s\n", preview, clearToEOL)
		}
	}

	if task.Status == execution.StatusFailed && task.Error != "" {
		msg := strings.ReplaceAll(truncateDisplay(task.Error, errorPreviewLength), "\n", " ")
		fmt.Fprintf(&b, "   error: %s%s\n", msg, clearToEOL)
	}

	b.WriteString(clearToEOL)
	b.WriteString("\n")
	return b.String()
}

func renderComplete(complete execution.TasksComplete) string {
	var b strings.Builder

	b.WriteString("Execution Complete!\n")
	b.WriteString("═══════════════════\n")
	fmt.Fprintf(&b, "Total Tasks: %d\n", complete.Stats.Total)
	fmt.Fprintf(&b, "Completed: %d\n", complete.Stats.Completed)
	fmt.Fprintf(&b, "Failed: %d\n", complete.Stats.Failed)
	fmt.Fprintf(&b, "Success Rate: %.1f%%\n", complete.Stats.SuccessRate)

	if len(complete.FailedTasks) > 0 {
		b.WriteString("\nFailed Tasks:\n")
		for _, task := range complete.FailedTasks {
			fmt.Fprintf(&b, "   • %s\n", task.Name)
			if task.Error != "" {
				fmt.Fprintf(&b, "     Error: %s\n", task.Error)
			}
		}
	}
	return b.String()
}

// outputPreview compresses the last lines of live output into one width-
// bounded line.
func outputPreview(output string) string {
	lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
	if len(lines) > maxOutputLines {
		lines = lines[len(lines)-maxOutputLines:]
	}
	return truncateDisplay(strings.Join(lines, " ... "), outputPreviewLength)
}

func resultPreview(data interface{}) string {
	switch v := data.(type) {
	case string:
		return truncateDisplay(strings.ReplaceAll(v, "\n", " "), outputPreviewLength)
	case map[string]interface{}:
		if partial, ok := v["partial_output"].(string); ok {
			return truncateDisplay("Partial output: "+partial, outputPreviewLength)
		}
		if result, ok := v["result"].(string); ok {
			return truncateDisplay(strings.ReplaceAll(result, "\n", " "), outputPreviewLength)
		}
		return ""
	default:
		return truncateDisplay(fmt.Sprintf("%v", v), outputPreviewLength)
	}
}

// truncateDisplay bounds a string by display cells, not bytes, so wide runes
// do not overflow the dashboard column.
func truncateDisplay(s string, width int) string {
	return runewidth.Truncate(s, width, "...")
}
