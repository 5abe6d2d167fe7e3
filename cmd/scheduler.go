package cmd

import (
	"context"
	"errors"
	"log/slog"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gosling/internal/telemetry"
)

func schedulerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scheduler",
		Short: "Run the scheduler daemon",
		Long:  "Run the long-lived scheduler: fires due jobs on their cron, records each run as a session, and picks up registry changes made by schedule commands in other processes.",
		Run: func(cmd *cobra.Command, args []string) {
			if err := runScheduler(cmd.Context()); err != nil {
				fail(err)
			}
		},
	}
}

func runScheduler(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	shutdown, err := telemetry.Init(ctx, cfg.Telemetry.OTLPEndpoint, cfg.Telemetry.ServiceName)
	if err != nil {
		slog.Warn("telemetry init failed", "error", err)
	} else {
		defer shutdown(context.Background())
	}

	s, err := newScheduler()
	if err != nil {
		return err
	}

	err = s.Run(ctx)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
