// Package agent drives a bounded LLM tool loop for one conversation.
package agent

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nextlevelbuilder/gosling/internal/providers"
	"github.com/nextlevelbuilder/gosling/internal/tools"
)

// DefaultMaxTurns bounds the number of assistant turns in a sub-agent run.
const DefaultMaxTurns = 10

// SubAgent runs a fresh conversation against the parent's provider with a
// bounded turn count. Each assistant turn counts against the bound; tool
// invocations suspend the loop and resume on tool completion.
type SubAgent struct {
	provider providers.Provider
	tools    *tools.Registry
	model    string
	maxTurns int

	// finalOutput, when set, is consulted after the loop so the collected
	// structured output wins over free-form assistant text.
	finalOutput *tools.FinalOutputTool

	// OnAssistantText, when set, receives each assistant reply as it arrives.
	OnAssistantText func(text string)
}

// Config configures a new SubAgent.
type Config struct {
	Provider    providers.Provider
	Tools       *tools.Registry
	Model       string
	MaxTurns    int
	FinalOutput *tools.FinalOutputTool
}

func New(cfg Config) *SubAgent {
	if cfg.MaxTurns <= 0 {
		cfg.MaxTurns = DefaultMaxTurns
	}
	reg := cfg.Tools
	if reg == nil {
		reg = tools.NewRegistry()
	}
	if cfg.FinalOutput != nil {
		reg.Register(cfg.FinalOutput)
	}
	return &SubAgent{
		provider:    cfg.Provider,
		tools:       reg,
		model:       cfg.Model,
		maxTurns:    cfg.MaxTurns,
		finalOutput: cfg.FinalOutput,
	}
}

// Result is the outcome of a completed sub-agent run.
type Result struct {
	Content     string
	FinalOutput string // canonical single-line JSON when a response schema was declared
	Turns       int
	Usage       providers.Usage
}

// Run processes a single instruction to completion. It blocks until the agent
// produces a final reply, the turn bound is reached, or ctx is cancelled.
func (a *SubAgent) Run(ctx context.Context, system, instruction string) (*Result, error) {
	if a.finalOutput != nil {
		if system != "" {
			system += "\n\n"
		}
		system += a.finalOutput.SystemPrompt()
	}

	messages := []providers.Message{
		{Role: "user", Content: instruction},
	}

	var totalUsage providers.Usage
	var finalContent string
	turn := 0
	nudged := false

	for turn < a.maxTurns {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		turn++

		resp, err := a.provider.Complete(ctx, providers.CompletionRequest{
			System:   system,
			Messages: messages,
			Tools:    a.tools.ProviderDefs(),
			Model:    a.model,
			Options: map[string]interface{}{
				providers.OptMaxTokens:   4096,
				providers.OptTemperature: 0.5,
			},
		})
		if err != nil {
			return nil, fmt.Errorf("LLM call failed (turn %d): %w", turn, err)
		}
		totalUsage.Add(resp.Usage)

		if len(resp.ToolCalls) == 0 {
			finalContent = resp.Content
			if a.OnAssistantText != nil && finalContent != "" {
				a.OnAssistantText(finalContent)
			}

			// A declared response schema means the run is not done until
			// final_output has been called. Nudge once.
			if a.finalOutput != nil && !nudged {
				if _, ok := a.finalOutput.FinalOutput(); !ok {
					nudged = true
					messages = append(messages,
						providers.Message{Role: "assistant", Content: resp.Content},
						providers.Message{Role: "user", Content: tools.FinalOutputContinuationMessage},
					)
					continue
				}
			}
			break
		}

		messages = append(messages, providers.Message{
			Role:      "assistant",
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			slog.Debug("subagent tool call", "tool", tc.Name)

			result := a.tools.Execute(ctx, tc.Name, tc.Arguments)
			if result.IsError {
				errMsg := result.ForLLM
				if len(errMsg) > 200 {
					errMsg = errMsg[:200] + "..."
				}
				slog.Warn("subagent tool error", "tool", tc.Name, "error", errMsg)
			}

			messages = append(messages, providers.Message{
				Role:       "tool",
				Content:    ProcessToolResponse(result.ForLLM),
				ToolCallID: tc.ID,
			})
		}
	}

	if finalContent == "" {
		finalContent = "Task completed but no final response was generated."
	}

	res := &Result{
		Content: finalContent,
		Turns:   turn,
		Usage:   totalUsage,
	}
	if a.finalOutput != nil {
		if out, ok := a.finalOutput.FinalOutput(); ok {
			res.FinalOutput = out
		}
	}

	slog.Info("subagent completed", "turns", turn)
	return res, nil
}
