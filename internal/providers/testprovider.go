package providers

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// TestProvider replays a scripted sequence of responses. Used by tests and by
// `--provider test` smoke runs; it never touches the network.
type TestProvider struct {
	mu        sync.Mutex
	responses []*CompletionResponse
	calls     int

	// Delay is applied before each reply. A negative delay means "never
	// reply": Complete blocks until the context is cancelled. Used for
	// timeout tests.
	Delay time.Duration
}

// NewTestProvider returns a provider that replies with each response in turn.
// When the script is exhausted it repeats the last response.
func NewTestProvider(responses ...*CompletionResponse) *TestProvider {
	return &TestProvider{responses: responses}
}

// NewEchoProvider returns a provider whose single reply is the given text.
func NewEchoProvider(text string) *TestProvider {
	return NewTestProvider(&CompletionResponse{
		Content:      text,
		FinishReason: "stop",
		Usage:        &Usage{PromptTokens: 1, CompletionTokens: 1, TotalTokens: 2},
	})
}

func (p *TestProvider) Name() string         { return "test" }
func (p *TestProvider) DefaultModel() string { return "test-model" }

// Calls returns how many times Complete has been invoked.
func (p *TestProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func (p *TestProvider) Complete(ctx context.Context, req CompletionRequest) (*CompletionResponse, error) {
	if p.Delay < 0 {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if p.Delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(p.Delay):
		}
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.responses) == 0 {
		return nil, fmt.Errorf("test provider: no scripted responses")
	}
	idx := p.calls
	if idx >= len(p.responses) {
		idx = len(p.responses) - 1
	}
	p.calls++
	resp := *p.responses[idx]
	return &resp, nil
}
