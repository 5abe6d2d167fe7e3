package agent

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// LargeTextThreshold is the tool-response size above which the text is
// spilled to disk instead of entering the conversation.
const LargeTextThreshold = 200_000

// ProcessToolResponse bounds the LLM context: a response longer than the
// threshold is written to a temp file and replaced inline by a reference
// message naming the file and the original length. It is applied as a single
// post-processing step to every tool response before it enters the
// conversation, so the threshold lives in exactly one place.
func ProcessToolResponse(text string) string {
	n := len([]rune(text))
	if n <= LargeTextThreshold {
		return text
	}

	path, err := writeLargeTextToFile(text)
	if err != nil {
		return fmt.Sprintf("Warning: Failed to write large response to file: %v. Showing full content instead.\n\n%s", err, text)
	}

	return fmt.Sprintf(
		"The response returned from the tool call was larger (%d characters) and is stored in the file which you can use other tools to examine or search in: %s",
		n, path)
}

func writeLargeTextToFile(content string) (string, error) {
	dir := filepath.Join(os.TempDir(), "gosling_tool_responses")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", err
	}

	filename := fmt.Sprintf("tool_response_%s.txt", time.Now().UTC().Format("20060102_150405.000000"))
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		return "", err
	}
	return path, nil
}
