// Package config loads the daemon's configuration surface from YAML
// plus SLEEPLESSD_-prefixed environment overrides.
package config

import (
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Config is the root configuration tree, grouped to mirror the
// recognized key groups of the daemon's external interface: agent
// paths/concurrency, the executor CLI, per-phase settings, Pro-plan
// monitoring, and auto-generation.
type Config struct {
	Agent    AgentConfig    `mapstructure:"agent"`
	Executor ExecutorConfig `mapstructure:"executor"`
	Phases   PhasesConfig   `mapstructure:"phases"`
	ProPlan  ProPlanConfig  `mapstructure:"pro_plan"`
	AutoGen  AutoGenConfig  `mapstructure:"auto_generation"`
	Log      LogConfig      `mapstructure:"log"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
}

// AgentConfig controls workspace layout, concurrency, and the budget
// the scheduler enforces.
type AgentConfig struct {
	WorkspaceRoot      string  `mapstructure:"workspace_root"`
	SharedWorkspace    string  `mapstructure:"shared_workspace"`
	DBPath             string  `mapstructure:"db_path"`
	ResultsPath        string  `mapstructure:"results_path"`
	ReportsPath        string  `mapstructure:"reports_path"`
	MaxParallelTasks   int     `mapstructure:"max_parallel_tasks"`
	TaskTimeoutSeconds int     `mapstructure:"task_timeout_seconds"`
	DailyBudgetUSD     float64 `mapstructure:"daily_budget_usd"`
	NightQuotaPercent  float64 `mapstructure:"night_quota_percent"`
}

// ExecutorConfig controls the external agent CLI invocation.
type ExecutorConfig struct {
	BinaryPath                string `mapstructure:"binary_path"`
	DefaultTimeoutSeconds     int    `mapstructure:"default_timeout"`
	CleanupRandomWorkspaces   bool   `mapstructure:"cleanup_random_workspaces"`
	PreserveSeriousWorkspaces bool   `mapstructure:"preserve_serious_workspaces"`
	DefaultModel              string `mapstructure:"default_model"`
}

// PhaseSettings is one phase's turn budget and deadline.
type PhaseSettings struct {
	Enabled        bool `mapstructure:"enabled"`
	MaxTurns       int  `mapstructure:"max_turns"`
	TimeoutSeconds int  `mapstructure:"timeout_seconds"`
}

// PhasesConfig holds the planner/worker/evaluator settings.
type PhasesConfig struct {
	Planner   PhaseSettings `mapstructure:"planner"`
	Worker    PhaseSettings `mapstructure:"worker"`
	Evaluator PhaseSettings `mapstructure:"evaluator"`
}

// ProPlanConfig controls the live-usage pause gate and the
// low-usage refinement hook.
type ProPlanConfig struct {
	Enabled                 bool    `mapstructure:"enabled"`
	PauseThreshold          float64 `mapstructure:"pause_threshold"`
	UsageCommand            string  `mapstructure:"usage_command"`
	LowUsageThreshold       float64 `mapstructure:"low_usage_threshold"`
	AutoGenerateRefinements bool    `mapstructure:"auto_generate_refinements"`
	MaxAutoTasksPerSession  int     `mapstructure:"max_auto_tasks_per_session"`
}

// PromptConfig is one auto-generation prompt archetype.
type PromptConfig struct {
	Name        string  `mapstructure:"name"`
	Prompt      string  `mapstructure:"prompt"`
	Weight      float64 `mapstructure:"weight"`
	Model       string  `mapstructure:"model"`
	LogSeverity string  `mapstructure:"log_severity"`
}

// AutoGenConfig controls the backlog auto-generation loop.
type AutoGenConfig struct {
	Enabled               bool           `mapstructure:"enabled"`
	UsageThresholdPercent float64        `mapstructure:"usage_threshold_percent"`
	BudgetCeilingPercent  float64        `mapstructure:"budget_ceiling_percent"`
	RateLimitDay          int            `mapstructure:"rate_limit_day"`
	RateLimitNight        int            `mapstructure:"rate_limit_night"`
	RandomRatio           float64        `mapstructure:"random_ratio"`
	AIModel               string         `mapstructure:"ai_model"`
	Prompts               []PromptConfig `mapstructure:"prompts"`
}

// LogConfig controls the shared slog logger.
type LogConfig struct {
	Level string `mapstructure:"level"`
}

// MetricsConfig controls the Prometheus debug HTTP surface.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Listen  string `mapstructure:"listen"`
}

const envPrefix = "SLEEPLESSD"

// Load reads configuration from the YAML file at path (if non-empty),
// applies SLEEPLESSD_-prefixed environment overrides, and fills in the
// defaults documented in spec.md §6. An empty path loads defaults and
// environment overrides only, useful for tests and `sleeplessctl`.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetEnvPrefix(envPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("config: unmarshal: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("agent.workspace_root", "./workspace")
	v.SetDefault("agent.shared_workspace", "./workspace/shared")
	v.SetDefault("agent.db_path", "./workspace/data/tasks.db")
	v.SetDefault("agent.results_path", "./workspace/data/results")
	v.SetDefault("agent.reports_path", "./workspace/reports")
	v.SetDefault("agent.max_parallel_tasks", 1)
	v.SetDefault("agent.task_timeout_seconds", 1800)
	v.SetDefault("agent.daily_budget_usd", 10.0)
	v.SetDefault("agent.night_quota_percent", 90.0)

	v.SetDefault("executor.binary_path", "claude")
	v.SetDefault("executor.default_timeout", 1800)
	v.SetDefault("executor.cleanup_random_workspaces", true)
	v.SetDefault("executor.preserve_serious_workspaces", true)

	v.SetDefault("phases.planner.enabled", true)
	v.SetDefault("phases.planner.max_turns", 3)
	v.SetDefault("phases.planner.timeout_seconds", 300)
	v.SetDefault("phases.worker.enabled", true)
	v.SetDefault("phases.worker.max_turns", 3)
	v.SetDefault("phases.worker.timeout_seconds", 1800)
	v.SetDefault("phases.evaluator.enabled", true)
	v.SetDefault("phases.evaluator.max_turns", 3)
	v.SetDefault("phases.evaluator.timeout_seconds", 300)

	v.SetDefault("pro_plan.enabled", true)
	v.SetDefault("pro_plan.pause_threshold", 85.0)
	v.SetDefault("pro_plan.usage_command", "claude /usage")
	v.SetDefault("pro_plan.low_usage_threshold", 60.0)
	v.SetDefault("pro_plan.auto_generate_refinements", true)
	v.SetDefault("pro_plan.max_auto_tasks_per_session", 3)

	v.SetDefault("auto_generation.enabled", true)
	v.SetDefault("auto_generation.usage_threshold_percent", 60.0)
	v.SetDefault("auto_generation.budget_ceiling_percent", 85.0)
	v.SetDefault("auto_generation.rate_limit_day", 1)
	v.SetDefault("auto_generation.rate_limit_night", 2)
	v.SetDefault("auto_generation.random_ratio", 0.6)

	v.SetDefault("log.level", "info")

	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.listen", ":9090")
}
