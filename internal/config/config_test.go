package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func TestLoadDefaultsWithoutFile(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 1, cfg.Agent.MaxParallelTasks)
	require.Equal(t, "claude", cfg.Executor.BinaryPath)
	require.Equal(t, 85.0, cfg.ProPlan.PauseThreshold)
	require.True(t, cfg.Phases.Planner.Enabled)
	require.Equal(t, ":9090", cfg.Metrics.Listen)
}

func TestLoadFromYAMLOverridesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	overrides := map[string]any{
		"agent": map[string]any{
			"max_parallel_tasks": 3,
			"daily_budget_usd":   25.5,
		},
		"phases": map[string]any{
			"worker": map[string]any{"max_turns": 10},
		},
		"auto_generation": map[string]any{
			"random_ratio": 0.25,
			"prompts": []map[string]any{
				{"name": "refactor", "prompt": "tidy up a module", "weight": 1.0},
			},
		},
	}
	raw, err := yaml.Marshal(overrides)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 3, cfg.Agent.MaxParallelTasks)
	require.Equal(t, 25.5, cfg.Agent.DailyBudgetUSD)
	require.Equal(t, 10, cfg.Phases.Worker.MaxTurns)
	require.Equal(t, 0.25, cfg.AutoGen.RandomRatio)
	require.Len(t, cfg.AutoGen.Prompts, 1)
	require.Equal(t, "refactor", cfg.AutoGen.Prompts[0].Name)
	// untouched defaults survive alongside overrides.
	require.Equal(t, 300, cfg.Phases.Planner.TimeoutSeconds)
}

func TestLoadMissingFileReturnsError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Setenv("SLEEPLESSD_AGENT_MAX_PARALLEL_TASKS", "7")
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, 7, cfg.Agent.MaxParallelTasks)
}
