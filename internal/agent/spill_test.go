package agent

import (
	"os"
	"strings"
	"testing"
)

func TestProcessToolResponse_SmallPassesThrough(t *testing.T) {
	small := "This is a small tool response"
	if got := ProcessToolResponse(small); got != small {
		t.Errorf("got %q, want unchanged input", got)
	}
}

func TestProcessToolResponse_LargeSpilledToFile(t *testing.T) {
	large := strings.Repeat("a", LargeTextThreshold+1000)

	got := ProcessToolResponse(large)

	if !strings.Contains(got, "stored in the file") {
		t.Fatalf("got %q, want file reference message", got)
	}
	if !strings.Contains(got, "201000 characters") {
		t.Errorf("got %q, want original length in message", got)
	}

	// The referenced file holds the original text.
	idx := strings.LastIndex(got, ": ")
	if idx < 0 {
		t.Fatalf("no path in message %q", got)
	}
	path := strings.TrimSpace(got[idx+2:])
	t.Cleanup(func() { os.Remove(path) })

	content, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read spill file: %v", err)
	}
	if string(content) != large {
		t.Error("spill file content differs from original")
	}
}

func TestProcessToolResponse_ExactThresholdNotSpilled(t *testing.T) {
	text := strings.Repeat("b", LargeTextThreshold)
	if got := ProcessToolResponse(text); got != text {
		t.Error("text at exactly the threshold should pass through")
	}
}
