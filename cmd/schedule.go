package cmd

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gosling/internal/config"
	"github.com/nextlevelbuilder/gosling/internal/scheduler"
	"github.com/nextlevelbuilder/gosling/internal/session"
)

func scheduleCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "schedule",
		Short: "Manage cron-scheduled recipes",
	}

	cmd.AddCommand(scheduleAddCmd())
	cmd.AddCommand(scheduleListCmd())
	cmd.AddCommand(scheduleRemoveCmd())
	cmd.AddCommand(schedulePauseCmd("pause", "Pause a scheduled job"))
	cmd.AddCommand(schedulePauseCmd("unpause", "Resume a paused job"))
	cmd.AddCommand(scheduleRunNowCmd())
	cmd.AddCommand(scheduleKillCmd())
	cmd.AddCommand(scheduleInspectCmd())
	cmd.AddCommand(scheduleSessionsCmd())
	return cmd
}

// newScheduler constructs the scheduler over the shared data dir. The
// provider is optional for registry-only operations; children resolve their
// own.
func newScheduler() (*scheduler.Scheduler, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	dataDir, err := cfg.ResolveDataDir()
	if err != nil {
		return nil, err
	}
	store, err := session.NewStore(config.SessionsDir(dataDir))
	if err != nil {
		return nil, err
	}

	provider, err := cfg.BuildProvider()
	if err != nil {
		slog.Debug("no provider available for this process", "error", err)
		provider = nil
	}

	return scheduler.New(scheduler.Config{
		DataDir:            dataDir,
		Sessions:           store,
		Provider:           provider,
		Model:              cfg.Provider.Model,
		TaskTimeoutSeconds: cfg.Executor.TimeoutSeconds,
		MaxTurns:           cfg.Executor.MaxTurns,
		TickInterval:       time.Duration(cfg.Scheduler.TickIntervalSeconds) * time.Second,
		Timezone:           cfg.Scheduler.Timezone,
	})
}

func scheduleAddCmd() *cobra.Command {
	var (
		id           string
		cronExpr     string
		recipePath   string
		mode         string
		allowOverlap bool
	)

	cmd := &cobra.Command{
		Use:   "add",
		Short: "Add a cron-scheduled recipe",
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newScheduler()
			if err != nil {
				fail(err)
			}
			job := scheduler.ScheduledJob{
				ID:            id,
				Cron:          cronExpr,
				Source:        recipePath,
				ExecutionMode: scheduler.ExecutionMode(mode),
				AllowOverlap:  allowOverlap,
			}
			if err := s.Add(job); err != nil {
				fail(err)
			}
			stored, _ := s.Get(id)
			fmt.Printf("Scheduled job '%s' added. Recipe stored at %s\n", id, stored.Source)
		},
	}

	cmd.Flags().StringVar(&id, "id", "", "unique job id")
	cmd.Flags().StringVar(&cronExpr, "cron", "", "cron expression (5 or 6 fields)")
	cmd.Flags().StringVar(&recipePath, "recipe", "", "path to the recipe file")
	cmd.Flags().StringVar(&mode, "mode", "background", "execution mode: foreground or background")
	cmd.Flags().BoolVar(&allowOverlap, "allow-overlap", false, "allow overlapping background runs")
	cmd.MarkFlagRequired("id")
	cmd.MarkFlagRequired("cron")
	cmd.MarkFlagRequired("recipe")
	return cmd
}

func scheduleListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List scheduled jobs",
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newScheduler()
			if err != nil {
				fail(err)
			}
			jobs := s.List()
			if len(jobs) == 0 {
				fmt.Println("No scheduled jobs found.")
				return
			}
			for _, job := range jobs {
				lastRun := "never"
				if job.LastRun != nil {
					lastRun = job.LastRun.Format(time.RFC3339)
				}
				fmt.Printf("- %s\n  cron: %s\n  recipe: %s\n  last run: %s\n  running: %v  paused: %v  mode: %s\n",
					job.ID, job.Cron, job.Source, lastRun, job.CurrentlyRunning, job.Paused, job.ExecutionMode)
			}
		},
	}
}

func scheduleRemoveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove <id>",
		Short: "Remove a scheduled job and its stored recipe",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newScheduler()
			if err != nil {
				fail(err)
			}
			if err := s.Remove(args[0]); err != nil {
				fail(err)
			}
			fmt.Printf("Scheduled job '%s' and its associated recipe removed.\n", args[0])
		},
	}
}

func schedulePauseCmd(name, short string) *cobra.Command {
	return &cobra.Command{
		Use:   name + " <id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newScheduler()
			if err != nil {
				fail(err)
			}
			if name == "pause" {
				err = s.Pause(args[0])
			} else {
				err = s.Unpause(args[0])
			}
			if err != nil {
				fail(err)
			}
			fmt.Printf("Job '%s' %sd.\n", args[0], name)
		},
	}
}

func scheduleRunNowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run-now <id>",
		Short: "Fire a job immediately, paused or not",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newScheduler()
			if err != nil {
				fail(err)
			}
			sessionID, err := s.RunNow(args[0])
			if err != nil {
				fail(err)
			}
			fmt.Printf("Triggered schedule '%s'. New session ID: %s\n", args[0], sessionID)
			s.WaitRuns()
		},
	}
}

func scheduleKillCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "kill <id>",
		Short: "Terminate a running job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newScheduler()
			if err != nil {
				fail(err)
			}
			if err := s.Kill(args[0]); err != nil {
				fail(err)
			}
			fmt.Printf("Job '%s' killed.\n", args[0])
		},
	}
}

func scheduleInspectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "inspect <id>",
		Short: "Show a job's in-flight run, if any",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newScheduler()
			if err != nil {
				fail(err)
			}
			info, err := s.Inspect(args[0])
			if err != nil {
				fail(err)
			}
			if info == nil {
				fmt.Printf("Job '%s' is not running.\n", args[0])
				return
			}
			fmt.Printf("Job '%s' is running: session %s, started %s\n",
				args[0], info.SessionID, info.StartedAt.Format(time.RFC3339))
		},
	}
}

func scheduleSessionsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "sessions <id>",
		Short: "List the most recent sessions for a job",
		Args:  cobra.ExactArgs(1),
		Run: func(cmd *cobra.Command, args []string) {
			s, err := newScheduler()
			if err != nil {
				fail(err)
			}
			infos, err := s.Sessions(args[0], limit)
			if err != nil {
				fail(err)
			}
			if len(infos) == 0 {
				fmt.Printf("No sessions found for schedule ID '%s'.\n", args[0])
				return
			}
			fmt.Printf("Sessions for schedule ID '%s':\n", args[0])
			for _, info := range infos {
				fmt.Printf("  - %s: %q, messages: %d, working dir: %s\n",
					info.Name, info.Metadata.Description, info.Metadata.MessageCount, info.Metadata.WorkingDir)
			}
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum sessions to list")
	return cmd
}
