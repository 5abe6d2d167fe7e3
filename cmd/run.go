package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gosling/internal/agent"
	"github.com/nextlevelbuilder/gosling/internal/config"
	"github.com/nextlevelbuilder/gosling/internal/providers"
	"github.com/nextlevelbuilder/gosling/internal/recipe"
	"github.com/nextlevelbuilder/gosling/internal/session"
	"github.com/nextlevelbuilder/gosling/internal/tools"
)

func runCmd() *cobra.Command {
	var (
		recipePath string
		noSession  bool
		params     []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run a recipe to completion",
		Long:  "Run a recipe: render its prompt, drive the agent against the configured provider, and print the result. Sub-recipes invoke this same command in a child process.",
		Run: func(cmd *cobra.Command, args []string) {
			if recipePath == "" {
				fail(fmt.Errorf("--recipe is required"))
			}
			if err := runRecipe(cmd.Context(), recipePath, params, noSession); err != nil {
				fail(err)
			}
		},
	}

	cmd.Flags().StringVar(&recipePath, "recipe", "", "path to the recipe file")
	cmd.Flags().BoolVar(&noSession, "no-session", false, "do not persist a session for this run")
	cmd.Flags().StringArrayVar(&params, "params", nil, "recipe parameter as key=value (repeatable)")
	return cmd
}

func runRecipe(ctx context.Context, recipePath string, rawParams []string, noSession bool) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	rec, err := recipe.Load(recipePath)
	if err != nil {
		return err
	}

	params, err := parseParams(rawParams)
	if err != nil {
		return err
	}
	prompt, instructions, err := rec.Render(params)
	if err != nil {
		return err
	}

	provider, err := cfg.BuildProvider()
	if err != nil {
		return err
	}
	model := cfg.Provider.Model
	if rec.Settings != nil && rec.Settings.Model != "" {
		model = rec.Settings.Model
	}

	var finalOutput *tools.FinalOutputTool
	if rec.Response != nil && len(rec.Response.JSONSchema) > 0 {
		finalOutput, err = tools.NewFinalOutputTool(rec.Response.JSONSchema)
		if err != nil {
			return err
		}
	}

	workDir, err := os.Getwd()
	if err != nil {
		workDir = "."
	}

	registry := tools.NewRegistry()
	registry.Register(tools.NewExecTool(workDir, time.Duration(cfg.Executor.TimeoutSeconds)*time.Second))

	sub := agent.New(agent.Config{
		Provider:    provider,
		Tools:       registry,
		Model:       model,
		MaxTurns:    cfg.Executor.MaxTurns,
		FinalOutput: finalOutput,
	})

	if prompt == "" {
		prompt = instructions
		instructions = ""
	}

	result, err := sub.Run(ctx, instructions, prompt)
	if err != nil {
		return err
	}

	fmt.Println(result.Content)
	// The canonical single-line final output goes last so parent processes
	// can scrape it from stdout.
	if result.FinalOutput != "" {
		fmt.Println(result.FinalOutput)
	}

	if !noSession {
		if err := saveRunSession(cfg, rec, prompt, result); err != nil {
			return fmt.Errorf("save session: %w", err)
		}
	}
	return nil
}

func saveRunSession(cfg *config.Config, rec *recipe.Recipe, prompt string, result *agent.Result) error {
	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return err
	}
	store, err := session.NewStore(config.SessionsDir(dataDir))
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%s-run-%s", time.Now().Format("20060102_150405"), uuid.NewString()[:8])
	msgs := []providers.Message{
		{Role: "user", Content: prompt},
		{Role: "assistant", Content: result.Content},
	}

	workDir, _ := os.Getwd()
	meta := &session.Metadata{
		WorkingDir:   workDir,
		Description:  rec.Description,
		InputTokens:  int64(result.Usage.PromptTokens),
		OutputTokens: int64(result.Usage.CompletionTokens),
		TotalTokens:  int64(result.Usage.TotalTokens),
	}
	meta.AccumulatedInputTokens = meta.InputTokens
	meta.AccumulatedOutputTokens = meta.OutputTokens
	meta.AccumulatedTotalTokens = meta.TotalTokens

	return store.SaveMessagesWithMetadata(name, meta, msgs)
}

func parseParams(raw []string) (map[string]string, error) {
	params := make(map[string]string, len(raw))
	for _, kv := range raw {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --params %q: expected key=value", kv)
		}
		params[key] = value
	}
	return params, nil
}
