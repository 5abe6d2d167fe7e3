package execution

import (
	"encoding/json"
	"fmt"
	"strings"
)

// HandleResponse converts an execution response into the value handed back to
// the caller: the serialized response on full success, or an error whose
// message is the compact failure summary.
func HandleResponse(resp *ExecutionResponse) (json.RawMessage, error) {
	failed := ExtractFailedTasks(resp.Results)
	if len(failed) > 0 {
		return nil, fmt.Errorf("%s", FormatErrorSummary(resp.Stats.Failed, resp.Stats.TotalTasks, failed))
	}

	data, err := json.Marshal(resp)
	if err != nil {
		return nil, fmt.Errorf("serialize execution response: %w", err)
	}
	return data, nil
}

// ExtractFailedTasks formats one block per failed task.
func ExtractFailedTasks(results []TaskResult) []string {
	var failed []string
	for i := range results {
		if results[i].Status == StatusFailed {
			failed = append(failed, FormatFailedTaskError(&results[i]))
		}
	}
	return failed
}

// FormatFailedTaskError renders a single failed task: id, error, and the last
// snippet of captured output (or "No output captured").
func FormatFailedTaskError(result *TaskResult) string {
	errMsg := result.Error
	if errMsg == "" {
		errMsg = "Unknown error"
	}
	return fmt.Sprintf("Task '%s' (%s): %s\nOutput: %s",
		result.TaskID, taskDescription(result), errMsg, partialOutput(result))
}

// FormatErrorSummary renders the batch failure header plus per-task blocks.
func FormatErrorSummary(failedCount, total int, failedTasks []string) string {
	return fmt.Sprintf("%d/%d tasks failed:\n%s", failedCount, total, strings.Join(failedTasks, "\n"))
}

func taskDescription(result *TaskResult) string {
	return "ID: " + result.TaskID
}

// partialOutput extracts the captured output snippet from a failed task's
// data, when the runner preserved one.
func partialOutput(result *TaskResult) string {
	const maxSnippet = 500

	if m, ok := result.Data.(map[string]interface{}); ok {
		if s, ok := m["partial_output"].(string); ok && s != "" {
			return tailSnippet(s, maxSnippet)
		}
	}
	if s, ok := result.Data.(string); ok && s != "" {
		return tailSnippet(s, maxSnippet)
	}
	return "No output captured"
}

func tailSnippet(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return "..." + string(runes[len(runes)-max:])
}
