// Package config loads the gosling configuration file and resolves the
// per-user data directory layout.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/titanous/json5"

	"github.com/nextlevelbuilder/gosling/internal/providers"
)

// Config is the root configuration. The config file is JSON5 so hand-edited
// files may carry comments and trailing commas.
type Config struct {
	Provider  ProviderConfig  `json:"provider"`
	Executor  ExecutorConfig  `json:"executor"`
	Scheduler SchedulerConfig `json:"scheduler"`
	Telemetry TelemetryConfig `json:"telemetry"`

	// DataDir overrides the default per-user data directory.
	DataDir string `json:"data_dir,omitempty"`
}

// ProviderConfig selects and configures the LLM provider.
// APIKey is never read from the config file — env only.
type ProviderConfig struct {
	Name    string `json:"name"`    // "openai" (default) or "test"
	APIBase string `json:"api_base,omitempty"`
	Model   string `json:"model,omitempty"`
	APIKey  string `json:"-"`
}

// ExecutorConfig tunes the task execution engine.
type ExecutorConfig struct {
	MaxWorkers     int `json:"max_workers,omitempty"`     // default 10
	TimeoutSeconds int `json:"timeout_seconds,omitempty"` // default 300
	MaxTurns       int `json:"max_turns,omitempty"`       // default 10
}

// SchedulerConfig tunes the cron scheduler.
type SchedulerConfig struct {
	TickIntervalSeconds int `json:"tick_interval_seconds,omitempty"` // default 1

	// Timezone is the IANA zone cron expressions are evaluated in.
	// Empty means local time.
	Timezone string `json:"timezone,omitempty"`
}

// TelemetryConfig configures the optional OTLP trace export.
type TelemetryConfig struct {
	OTLPEndpoint string `json:"otlp_endpoint,omitempty"` // e.g. "localhost:4318"; empty disables export
	ServiceName  string `json:"service_name,omitempty"`  // default "gosling"
}

// Load reads a config file, applies defaults and env overrides. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case err == nil:
			if err := json5.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config %s: %w", path, err)
			}
		case os.IsNotExist(err):
			// defaults
		default:
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	cfg.applyDefaults()
	cfg.applyEnvOverrides()
	return cfg, nil
}

func (c *Config) applyDefaults() {
	if c.Provider.Name == "" {
		c.Provider.Name = "openai"
	}
	if c.Provider.Model == "" {
		c.Provider.Model = "gpt-4o-mini"
	}
	if c.Executor.MaxWorkers <= 0 {
		c.Executor.MaxWorkers = 10
	}
	if c.Executor.TimeoutSeconds <= 0 {
		c.Executor.TimeoutSeconds = 300
	}
	if c.Executor.MaxTurns <= 0 {
		c.Executor.MaxTurns = 10
	}
	if c.Scheduler.TickIntervalSeconds <= 0 {
		c.Scheduler.TickIntervalSeconds = 1
	}
	if c.Telemetry.ServiceName == "" {
		c.Telemetry.ServiceName = "gosling"
	}
}

func (c *Config) applyEnvOverrides() {
	if v := os.Getenv("GOSLING_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("GOSLING_API_KEY"); v != "" {
		c.Provider.APIKey = v
	} else if v := os.Getenv("OPENAI_API_KEY"); v != "" {
		c.Provider.APIKey = v
	}
	if v := os.Getenv("GOSLING_PROVIDER"); v != "" {
		c.Provider.Name = v
	}
	if v := os.Getenv("GOSLING_OTLP_ENDPOINT"); v != "" {
		c.Telemetry.OTLPEndpoint = v
	}
}

// ResolveDataDir returns the data directory, creating it if needed.
func (c *Config) ResolveDataDir() (string, error) {
	dir := c.DataDir
	if dir == "" {
		base, err := os.UserConfigDir()
		if err != nil {
			return "", fmt.Errorf("resolve user config dir: %w", err)
		}
		dir = filepath.Join(base, "gosling")
	}
	dir = ExpandHome(dir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("create data dir %s: %w", dir, err)
	}
	return dir, nil
}

// SessionsDir returns the session store directory under the data dir.
func SessionsDir(dataDir string) string {
	return filepath.Join(dataDir, "sessions")
}

// ScheduledRecipesDir returns where the scheduler keeps recipe copies.
func ScheduledRecipesDir(dataDir string) string {
	return filepath.Join(dataDir, "scheduled_recipes")
}

// SchedulesPath returns the scheduler registry file.
func SchedulesPath(dataDir string) string {
	return filepath.Join(dataDir, "schedules.json")
}

// BuildProvider constructs the configured LLM provider.
func (c *Config) BuildProvider() (providers.Provider, error) {
	switch c.Provider.Name {
	case "test":
		return providers.NewEchoProvider("ok"), nil
	case "openai", "":
		if c.Provider.APIKey == "" {
			return nil, fmt.Errorf("no API key configured: set GOSLING_API_KEY or OPENAI_API_KEY")
		}
		return providers.NewOpenAIProvider("openai", c.Provider.APIKey, c.Provider.APIBase, c.Provider.Model), nil
	default:
		return nil, fmt.Errorf("unknown provider %q", c.Provider.Name)
	}
}

// ExpandHome expands a leading ~ to the user's home directory.
func ExpandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, strings.TrimPrefix(path, "~"))
	}
	return path
}
