// Command sleeplessd is the 24/7 daemon: it loads configuration, wires
// the task store, scheduler, executor, and auto-generator together,
// and runs the tick loop until it receives SIGINT or SIGTERM.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/Zeeeepa/sleepless-agent/internal/autogen"
	"github.com/Zeeeepa/sleepless-agent/internal/budget"
	"github.com/Zeeeepa/sleepless-agent/internal/config"
	"github.com/Zeeeepa/sleepless-agent/internal/daemon"
	"github.com/Zeeeepa/sleepless-agent/internal/executor"
	"github.com/Zeeeepa/sleepless-agent/internal/gitops"
	"github.com/Zeeeepa/sleepless-agent/internal/logging"
	"github.com/Zeeeepa/sleepless-agent/internal/metrics"
	"github.com/Zeeeepa/sleepless-agent/internal/report"
	"github.com/Zeeeepa/sleepless-agent/internal/resultstore"
	"github.com/Zeeeepa/sleepless-agent/internal/scheduler"
	"github.com/Zeeeepa/sleepless-agent/internal/taskstore"
	"github.com/Zeeeepa/sleepless-agent/internal/usagecheck"
	"github.com/Zeeeepa/sleepless-agent/internal/workspace"
)

func main() {
	configPath := flag.String("config", "", "Path to the YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config: %v\n", err)
		os.Exit(1)
	}

	logger := logging.New(os.Stderr, cfg.Log.Level)

	ws, err := workspace.New(cfg.Agent.WorkspaceRoot)
	if err != nil {
		logger.Error("init workspace failed", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(cfg.Agent.SharedWorkspace, 0o755); err != nil {
		logger.Error("init shared workspace failed", "error", err)
		os.Exit(1)
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Agent.DBPath), 0o755); err != nil {
		logger.Error("init db directory failed", "error", err)
		os.Exit(1)
	}

	store, err := taskstore.Open(cfg.Agent.DBPath, logger)
	if err != nil {
		logger.Error("open task store failed", "error", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := store.EnsureSchema(ctx); err != nil {
		logger.Error("ensure schema failed", "error", err)
		os.Exit(1)
	}

	budgetMgr := budget.NewManager(store, logger, cfg.Agent.DailyBudgetUSD, cfg.Agent.NightQuotaPercent)

	var schedChecker scheduler.UsageChecker
	var execChecker executor.UsageChecker
	if cfg.ProPlan.Enabled {
		c := usagecheck.New(cfg.ProPlan.UsageCommand, logger)
		schedChecker = c
		execChecker = c
	}

	sched := scheduler.New(store, budgetMgr, schedChecker, scheduler.Config{
		MaxParallelTasks:      cfg.Agent.MaxParallelTasks,
		UseLiveUsageCheck:     cfg.ProPlan.Enabled,
		PauseThresholdPercent: cfg.ProPlan.PauseThreshold,
	}, logger)

	git, err := gitops.New(cfg.Agent.WorkspaceRoot, logger)
	if err != nil {
		logger.Error("init git repo failed", "error", err)
		os.Exit(1)
	}

	results, err := resultstore.New(store, cfg.Agent.ResultsPath, logger)
	if err != nil {
		logger.Error("init result store failed", "error", err)
		os.Exit(1)
	}

	reports, err := report.New(cfg.Agent.ReportsPath, logger)
	if err != nil {
		logger.Error("init report generator failed", "error", err)
		os.Exit(1)
	}

	cli := executor.NewCLI(cfg.Executor.BinaryPath)
	if err := cli.VerifyAvailable(ctx); err != nil {
		logger.Warn("agent CLI not verified, continuing anyway", "error", err)
	}

	exec := executor.New(cli, store, ws, git, budgetMgr, execChecker, executor.Config{
		DefaultModel: cfg.Executor.DefaultModel,
		Planner: executor.PhaseConfig{
			Enabled: cfg.Phases.Planner.Enabled, MaxTurns: cfg.Phases.Planner.MaxTurns, TimeoutSeconds: cfg.Phases.Planner.TimeoutSeconds,
		},
		Worker: executor.PhaseConfig{
			Enabled: cfg.Phases.Worker.Enabled, MaxTurns: cfg.Phases.Worker.MaxTurns, TimeoutSeconds: cfg.Phases.Worker.TimeoutSeconds,
		},
		Evaluator: executor.PhaseConfig{
			Enabled: cfg.Phases.Evaluator.Enabled, MaxTurns: cfg.Phases.Evaluator.MaxTurns, TimeoutSeconds: cfg.Phases.Evaluator.TimeoutSeconds,
		},
		AutoGenerateRefinements: cfg.ProPlan.AutoGenerateRefinements,
		LowUsageThresholdPercent: cfg.ProPlan.LowUsageThreshold,
		PauseThresholdPercent:    cfg.ProPlan.PauseThreshold,
	}, logger)

	prompts := make([]autogen.Prompt, 0, len(cfg.AutoGen.Prompts))
	for _, p := range cfg.AutoGen.Prompts {
		prompts = append(prompts, autogen.Prompt{Name: p.Name, Text: p.Prompt, Weight: p.Weight, Model: p.Model, LogSeverity: p.LogSeverity})
	}
	gen := autogen.New(store, budgetMgr, promptRunner{cli: cli}, autogen.Config{
		Enabled:           cfg.AutoGen.Enabled,
		Prompts:           prompts,
		DefaultModel:      cfg.AutoGen.AIModel,
		ThresholdDayPct:   cfg.AutoGen.UsageThresholdPercent,
		ThresholdNightPct: cfg.AutoGen.UsageThresholdPercent,
		CeilingPct:        cfg.AutoGen.BudgetCeilingPercent,
		RateLimitDay:      cfg.AutoGen.RateLimitDay,
		RateLimitNight:    cfg.AutoGen.RateLimitNight,
		RandomRatio:       cfg.AutoGen.RandomRatio,
	}, logger)

	if cfg.Metrics.Enabled {
		metricsSrv := metrics.NewServer(cfg.Metrics.Listen, "", logger)
		if err := metricsSrv.Start(ctx); err != nil {
			logger.Warn("metrics server failed to start", "error", err)
		} else {
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = metricsSrv.Stop(shutdownCtx)
			}()
		}
	}

	d := daemon.New(store, sched, exec, gen, results, reports, daemon.Config{
		TaskMaxAge:       time.Duration(cfg.Agent.TaskTimeoutSeconds) * time.Second,
		MaxParallelTasks: cfg.Agent.MaxParallelTasks,
	}, logger)

	if err := d.Run(ctx); err != nil {
		logger.Error("daemon exited with error", "error", err)
		os.Exit(1)
	}
}

// promptRunner adapts the executor CLI's streaming interface to
// autogen.Runner's bare request/response shape: it runs one read-only
// phase invocation with no working directory and concatenates the
// resulting text.
type promptRunner struct {
	cli *executor.CLI
}

func (p promptRunner) RunPrompt(ctx context.Context, prompt, model string) (string, error) {
	res, err := executor.RunPhase(ctx, p.cli, prompt, executor.PhaseOptions{Mode: executor.ReadOnlyTools, Model: model, MaxTurns: 1}, 2*time.Minute, nil)
	if err != nil {
		return "", err
	}
	return res.Text, nil
}
