package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/nextlevelbuilder/gosling/internal/config"
)

// Version is set at build time via -ldflags "-X github.com/nextlevelbuilder/gosling/cmd.Version=v1.0.0"
var Version = "dev"

var (
	cfgFile string
	verbose bool
)

var rootCmd = &cobra.Command{
	Use:   "gosling",
	Short: "Gosling — local agent platform",
	Long:  "Gosling: a local agent platform that drives an LLM through tool-using conversations, schedules recipes on a cron, and fans work out to sub-agents.",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Logs go to stderr; stdout is the product.
		logLevel := slog.LevelInfo
		if verbose {
			logLevel = slog.LevelDebug
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: logLevel,
		})))
	},
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: <data-dir>/config.json or $GOSLING_CONFIG)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	rootCmd.AddCommand(runCmd())
	rootCmd.AddCommand(scheduleCmd())
	rootCmd.AddCommand(schedulerCmd())
	rootCmd.AddCommand(versionCmd())
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("gosling %s\n", Version)
		},
	}
}

func resolveConfigPath() string {
	if cfgFile != "" {
		return cfgFile
	}
	if v := os.Getenv("GOSLING_CONFIG"); v != "" {
		return v
	}
	if base, err := os.UserConfigDir(); err == nil {
		return filepath.Join(base, "gosling", "config.json")
	}
	return "config.json"
}

func loadConfig() (*config.Config, error) {
	return config.Load(resolveConfigPath())
}

// fail prints a one-line diagnostic to stderr and exits non-zero.
func fail(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// Execute runs the root cobra command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
