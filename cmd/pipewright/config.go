package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/sethvargo/go-envconfig"
	"github.com/urfave/cli/v3"

	"github.com/rendis/pipewright/internal/engine"
)

// envPrefix namespaces every environment override.
const envPrefix = "PIPEWRIGHT_"

// Config holds all pipewright configuration.
// Priority: flags > env vars > settings.json > defaults.
type Config struct {
	ReposDir          string `json:"repos_dir" env:"REPOS_DIR"`
	DBPath            string `json:"db_path" env:"DB_PATH"`
	LogLevel          string `json:"log_level" env:"LOG_LEVEL"`
	LogFormat         string `json:"log_format" env:"LOG_FORMAT"`
	MaxConcurrentRuns int    `json:"max_concurrent_runs" env:"MAX_CONCURRENT_RUNS"`
	MaxParallelJobs   int    `json:"max_parallel_jobs" env:"MAX_PARALLEL_JOBS"`
	RetainRuns        int    `json:"retain_runs" env:"RETAIN_RUNS"`
	ExpressionMode    string `json:"expression_mode" env:"EXPRESSION_MODE"`
	WorkDir           string `json:"work_dir" env:"WORK_DIR"`
	HistorySize       int    `json:"history_size" env:"HISTORY_SIZE"`

	// VaultPassphrase unlocks stored secrets. It is read from the
	// environment only and never written to settings.json.
	VaultPassphrase string `json:"-" env:"VAULT_PASSPHRASE"`
}

func defaultConfig() Config {
	return Config{
		LogLevel:          "info",
		LogFormat:         "text",
		MaxConcurrentRuns: engine.DefaultMaxConcurrentRuns,
		MaxParallelJobs:   engine.DefaultMaxParallelJobs,
		RetainRuns:        5000,
		ExpressionMode:    "lenient",
		HistorySize:       1000,
	}
}

func pipewrightDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".pipewright"
	}
	return filepath.Join(home, ".pipewright")
}

func settingsPath() string {
	return filepath.Join(pipewrightDir(), "settings.json")
}

// loadConfig layers defaults, settings.json and the environment.
func loadConfig(ctx context.Context) (Config, error) {
	return loadConfigWith(ctx, envconfig.OsLookuper())
}

func loadConfigWith(ctx context.Context, lookuper envconfig.Lookuper) (Config, error) {
	cfg := defaultConfig()

	// Layer 2: settings.json (ignore if missing).
	data, err := os.ReadFile(settingsPath())
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", settingsPath(), err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return cfg, fmt.Errorf("read %s: %w", settingsPath(), err)
	}

	// Layer 3: env vars override.
	err = envconfig.ProcessWith(ctx, &envconfig.Config{
		Target:           &cfg,
		Lookuper:         envconfig.PrefixLookuper(envPrefix, lookuper),
		DefaultOverwrite: true,
	})
	if err != nil {
		return cfg, fmt.Errorf("environment: %w", err)
	}
	return cfg, nil
}

// configFlags are the global flags; each overrides the field of the same
// name.
func configFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringFlag{Name: "db-path", Usage: "libSQL file for logs, artifacts and secrets (empty: memory)"},
		&cli.StringFlag{Name: "log-level", Usage: "log level: debug, info, warn, error"},
		&cli.StringFlag{Name: "log-format", Usage: "log format: text, json, pretty"},
		&cli.IntFlag{Name: "max-concurrent-runs", Usage: "runs executing at once"},
		&cli.IntFlag{Name: "max-parallel-jobs", Usage: "job runs executing at once across all runs"},
		&cli.IntFlag{Name: "retain-runs", Usage: "finished runs kept in memory"},
		&cli.StringFlag{Name: "expression-mode", Usage: "unresolvable expressions: lenient or strict"},
		&cli.StringFlag{Name: "work-dir", Usage: "directory for run temp dirs (default: system temp)"},
	}
}

// Layer 4: flags override.
func applyFlags(cfg *Config, cmd *cli.Command) {
	if cmd.IsSet("db-path") {
		cfg.DBPath = cmd.String("db-path")
	}
	if cmd.IsSet("log-level") {
		cfg.LogLevel = cmd.String("log-level")
	}
	if cmd.IsSet("log-format") {
		cfg.LogFormat = cmd.String("log-format")
	}
	if cmd.IsSet("max-concurrent-runs") {
		cfg.MaxConcurrentRuns = cmd.Int("max-concurrent-runs")
	}
	if cmd.IsSet("max-parallel-jobs") {
		cfg.MaxParallelJobs = cmd.Int("max-parallel-jobs")
	}
	if cmd.IsSet("retain-runs") {
		cfg.RetainRuns = cmd.Int("retain-runs")
	}
	if cmd.IsSet("expression-mode") {
		cfg.ExpressionMode = cmd.String("expression-mode")
	}
	if cmd.IsSet("work-dir") {
		cfg.WorkDir = cmd.String("work-dir")
	}
}

// writeSettings persists cfg as settings.json.
func writeSettings(cfg Config) (string, error) {
	if err := os.MkdirAll(pipewrightDir(), 0o700); err != nil {
		return "", fmt.Errorf("create %s: %w", pipewrightDir(), err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return "", err
	}
	path := settingsPath()
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", fmt.Errorf("write %s: %w", path, err)
	}
	return path, nil
}
