package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/sethvargo/go-envconfig"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v3"
)

func isolateHome(t *testing.T) string {
	t.Helper()
	home := t.TempDir()
	t.Setenv("HOME", home)
	return home
}

func writeSettingsFile(t *testing.T, home, body string) {
	t.Helper()
	dir := filepath.Join(home, ".pipewright")
	require.NoError(t, os.MkdirAll(dir, 0o700))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "settings.json"), []byte(body), 0o644))
}

func TestLoadConfig_Defaults(t *testing.T) {
	isolateHome(t)

	cfg, err := loadConfigWith(context.Background(), envconfig.MapLookuper(nil))
	require.NoError(t, err)
	assert.Equal(t, defaultConfig(), cfg)
	assert.Empty(t, cfg.DBPath)
}

func TestLoadConfig_SettingsOverrideDefaults(t *testing.T) {
	home := isolateHome(t)
	writeSettingsFile(t, home, `{"log_level": "debug", "max_parallel_jobs": 3, "db_path": "/var/lib/pipewright.db"}`)

	cfg, err := loadConfigWith(context.Background(), envconfig.MapLookuper(nil))
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.MaxParallelJobs)
	assert.Equal(t, "/var/lib/pipewright.db", cfg.DBPath)
	assert.Equal(t, "text", cfg.LogFormat, "unset keys keep their default")
}

func TestLoadConfig_EnvOverridesSettings(t *testing.T) {
	home := isolateHome(t)
	writeSettingsFile(t, home, `{"log_level": "debug", "expression_mode": "lenient"}`)

	cfg, err := loadConfigWith(context.Background(), envconfig.MapLookuper(map[string]string{
		"PIPEWRIGHT_LOG_LEVEL":        "warn",
		"PIPEWRIGHT_EXPRESSION_MODE":  "strict",
		"PIPEWRIGHT_RETAIN_RUNS":      "10",
		"PIPEWRIGHT_VAULT_PASSPHRASE": "hunter2",
		"LOG_LEVEL":                   "error",
	}))
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, "strict", cfg.ExpressionMode)
	assert.Equal(t, 10, cfg.RetainRuns)
	assert.Equal(t, "hunter2", cfg.VaultPassphrase)
}

func TestLoadConfig_BadInput(t *testing.T) {
	t.Run("settings", func(t *testing.T) {
		home := isolateHome(t)
		writeSettingsFile(t, home, `{"log_level": `)
		_, err := loadConfigWith(context.Background(), envconfig.MapLookuper(nil))
		require.Error(t, err)
		assert.Contains(t, err.Error(), "settings.json")
	})

	t.Run("env", func(t *testing.T) {
		isolateHome(t)
		_, err := loadConfigWith(context.Background(), envconfig.MapLookuper(map[string]string{
			"PIPEWRIGHT_MAX_CONCURRENT_RUNS": "many",
		}))
		require.Error(t, err)
	})
}

func TestApplyFlags(t *testing.T) {
	cfg := defaultConfig()
	cfg.DBPath = "/from/settings.db"

	cmd := &cli.Command{
		Name:  "test",
		Flags: configFlags(),
		Action: func(_ context.Context, cmd *cli.Command) error {
			applyFlags(&cfg, cmd)
			return nil
		},
	}
	err := cmd.Run(context.Background(), []string{"test", "--log-level", "error", "--max-parallel-jobs", "7", "--expression-mode", "strict"})
	require.NoError(t, err)

	assert.Equal(t, "error", cfg.LogLevel)
	assert.Equal(t, 7, cfg.MaxParallelJobs)
	assert.Equal(t, "strict", cfg.ExpressionMode)
	assert.Equal(t, "/from/settings.db", cfg.DBPath, "unset flags leave the field alone")
}

func TestWriteSettings(t *testing.T) {
	home := isolateHome(t)

	cfg := defaultConfig()
	cfg.ReposDir = "/srv/repos"
	cfg.VaultPassphrase = "hunter2"
	path, err := writeSettings(cfg)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, ".pipewright", "settings.json"), path)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")

	loaded, err := loadConfigWith(context.Background(), envconfig.MapLookuper(nil))
	require.NoError(t, err)
	assert.Equal(t, "/srv/repos", loaded.ReposDir)
	assert.Empty(t, loaded.VaultPassphrase)
}
