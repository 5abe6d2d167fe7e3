package execution

import (
	"encoding/json"
	"fmt"
	"regexp"
	"sort"
	"strings"
)

var ansiPattern = regexp.MustCompile(`\x1b\[[0-9;]*[a-zA-Z]`)

// StripANSI removes ANSI escape sequences from a line of child output.
func StripANSI(s string) string {
	return ansiPattern.ReplaceAllString(s, "")
}

// TaskName returns the display name for a task: the sub-recipe name when
// present, the task id otherwise.
func TaskName(ti *TaskInfo) string {
	if ti.Task.Type == TaskTypeSubRecipe && ti.Task.Payload.SubRecipe != nil && ti.Task.Payload.SubRecipe.Name != "" {
		return ti.Task.Payload.SubRecipe.Name
	}
	return ti.Task.ID
}

// FormatTaskMetadata renders a task's command parameters as "k=v,k=v" with
// stable key order. Empty for tasks without parameters.
func FormatTaskMetadata(ti *TaskInfo) string {
	if ti.Task.Payload.SubRecipe == nil {
		return ""
	}
	params := ti.Task.Payload.SubRecipe.CommandParameters
	if len(params) == 0 {
		return ""
	}

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%s", k, coerceScalar(params[k])))
	}
	return strings.Join(parts, ",")
}

// coerceScalar renders a JSON scalar as its command-line string form.
func coerceScalar(v interface{}) string {
	if s, ok := v.(string); ok {
		return s
	}
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(data)
}

// CountByStatus tallies the batch counters from the tracker's map.
func CountByStatus(tasks map[string]*TaskInfo) Stats {
	stats := Stats{Total: len(tasks)}
	for _, ti := range tasks {
		switch ti.Status {
		case StatusPending:
			stats.Pending++
		case StatusRunning:
			stats.Running++
		case StatusCompleted:
			stats.Completed++
		case StatusFailed:
			stats.Failed++
		}
	}
	return stats
}

// ExtractJSONFromLine returns the balanced {...} span of a line when it
// parses as JSON, or "" when the line carries none.
func ExtractJSONFromLine(line string) string {
	start := strings.Index(line, "{")
	end := strings.LastIndex(line, "}")
	if start < 0 || end < 0 || start >= end {
		return ""
	}

	candidate := line[start : end+1]
	var v interface{}
	if err := json.Unmarshal([]byte(candidate), &v); err != nil {
		return ""
	}
	return candidate
}

// processOutput derives a task's result data from its captured stdout: the
// last non-empty line's JSON (serialized as a string) when present, the whole
// stdout otherwise.
func processOutput(stdout string) interface{} {
	var lastLine string
	for _, line := range strings.Split(stdout, "\n") {
		if strings.TrimSpace(line) != "" {
			lastLine = line
		}
	}

	if jsonStr := ExtractJSONFromLine(lastLine); jsonStr != "" {
		return jsonStr
	}
	return stdout
}
