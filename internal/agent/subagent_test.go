package agent

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/nextlevelbuilder/gosling/internal/providers"
	"github.com/nextlevelbuilder/gosling/internal/tools"
)

func TestSubAgent_SimpleReply(t *testing.T) {
	a := New(Config{
		Provider: providers.NewEchoProvider("hello there"),
	})

	res, err := a.Run(context.Background(), "", "say hello")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Content != "hello there" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Turns != 1 {
		t.Errorf("turns = %d, want 1", res.Turns)
	}
	if res.Usage.TotalTokens == 0 {
		t.Error("usage not accumulated")
	}
}

type countingTool struct {
	calls int
}

func (c *countingTool) Name() string        { return "counter" }
func (c *countingTool) Description() string { return "counts invocations" }
func (c *countingTool) Parameters() map[string]interface{} {
	return map[string]interface{}{"type": "object"}
}
func (c *countingTool) Execute(context.Context, map[string]interface{}) *tools.Result {
	c.calls++
	return tools.NewResult("counted")
}

func TestSubAgent_ToolLoop(t *testing.T) {
	p := providers.NewTestProvider(
		&providers.CompletionResponse{
			ToolCalls:    []providers.ToolCall{{ID: "c1", Name: "counter", Arguments: map[string]interface{}{}}},
			FinishReason: "tool_calls",
		},
		&providers.CompletionResponse{Content: "done", FinishReason: "stop"},
	)

	reg := tools.NewRegistry()
	counter := &countingTool{}
	reg.Register(counter)

	a := New(Config{Provider: p, Tools: reg})

	res, err := a.Run(context.Background(), "", "count once")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if counter.calls != 1 {
		t.Errorf("tool calls = %d, want 1", counter.calls)
	}
	if res.Content != "done" {
		t.Errorf("content = %q", res.Content)
	}
	if res.Turns != 2 {
		t.Errorf("turns = %d, want 2", res.Turns)
	}
}

func TestSubAgent_TurnBound(t *testing.T) {
	// Provider always requests a tool call; the loop must stop at the bound.
	p := providers.NewTestProvider(
		&providers.CompletionResponse{
			ToolCalls:    []providers.ToolCall{{ID: "c", Name: "counter", Arguments: map[string]interface{}{}}},
			FinishReason: "tool_calls",
		},
	)
	reg := tools.NewRegistry()
	reg.Register(&countingTool{})

	a := New(Config{Provider: p, Tools: reg, MaxTurns: 3})

	res, err := a.Run(context.Background(), "", "loop forever")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Turns != 3 {
		t.Errorf("turns = %d, want 3", res.Turns)
	}
	if !strings.Contains(res.Content, "no final response") {
		t.Errorf("content = %q, want fallback text", res.Content)
	}
}

func TestSubAgent_Cancellation(t *testing.T) {
	p := providers.NewEchoProvider("hi")
	p.Delay = -1 // never reply

	a := New(Config{Provider: p})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	_, err := a.Run(ctx, "", "hang")
	if err == nil {
		t.Fatal("expected error after cancel")
	}
	if time.Since(start) > time.Second {
		t.Error("cancellation did not abort promptly")
	}
}

func TestSubAgent_FinalOutputNudge(t *testing.T) {
	fo, err := tools.NewFinalOutputTool(map[string]interface{}{
		"type": "object",
		"properties": map[string]interface{}{
			"answer": map[string]interface{}{"type": "string"},
		},
		"required": []interface{}{"answer"},
	})
	if err != nil {
		t.Fatalf("NewFinalOutputTool: %v", err)
	}

	// First reply forgets the tool; after the nudge the model calls it.
	p := providers.NewTestProvider(
		&providers.CompletionResponse{Content: "the answer is 42", FinishReason: "stop"},
		&providers.CompletionResponse{
			ToolCalls: []providers.ToolCall{{
				ID:        "c1",
				Name:      tools.FinalOutputToolName,
				Arguments: map[string]interface{}{"answer": "42"},
			}},
			FinishReason: "tool_calls",
		},
		&providers.CompletionResponse{Content: "submitted", FinishReason: "stop"},
	)

	a := New(Config{Provider: p, FinalOutput: fo})

	res, err := a.Run(context.Background(), "", "what is the answer")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.FinalOutput == "" {
		t.Fatal("final output not collected after nudge")
	}
	if !strings.Contains(res.FinalOutput, "42") {
		t.Errorf("final output = %q", res.FinalOutput)
	}
}
