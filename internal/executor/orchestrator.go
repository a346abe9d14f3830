package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/Zeeeepa/sleepless-agent/internal/gitops"
	"github.com/Zeeeepa/sleepless-agent/internal/taskstore"
	"github.com/Zeeeepa/sleepless-agent/internal/usagecheck"
	"github.com/Zeeeepa/sleepless-agent/internal/workspace"
)

// PhaseConfig controls one phase of the pipeline.
type PhaseConfig struct {
	Enabled        bool
	MaxTurns       int
	TimeoutSeconds int
}

func (p PhaseConfig) timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

// Config controls the executor's phase pipeline and the refinement
// hook that follows evaluation.
type Config struct {
	DefaultModel              string
	Planner                   PhaseConfig
	Worker                    PhaseConfig
	Evaluator                 PhaseConfig
	AutoGenerateRefinements   bool
	LowUsageThresholdPercent  float64 // default 60
	PauseThresholdPercent     float64 // 0 disables the post-task pause check; no default is applied
}

func (c Config) withDefaults() Config {
	if c.Planner.MaxTurns <= 0 {
		c.Planner = PhaseConfig{Enabled: true, MaxTurns: 3, TimeoutSeconds: 300}
	}
	if c.Worker.MaxTurns <= 0 {
		c.Worker = PhaseConfig{Enabled: true, MaxTurns: 3, TimeoutSeconds: 1800}
	}
	if c.Evaluator.MaxTurns <= 0 {
		c.Evaluator = PhaseConfig{Enabled: true, MaxTurns: 3, TimeoutSeconds: 300}
	}
	if c.LowUsageThresholdPercent <= 0 {
		c.LowUsageThresholdPercent = 60
	}
	return c
}

// UsagePercent reports current usage as a percentage of budget,
// satisfied by *budget.Manager. Used to gate the refinement hook.
type UsagePercent interface {
	GetUsagePercent(ctx context.Context) (int, error)
}

// UsageChecker reports live Pro-plan usage, satisfied by
// *usagecheck.Checker. Used for the post-evaluation pause check.
type UsageChecker interface {
	GetUsage(ctx context.Context) (usagecheck.Usage, error)
}

// Outcome is everything RunTask produced for one attempt: enough for
// the caller to persist a Result row, record usage, and decide the
// task's next status.
type Outcome struct {
	Status                EvaluationStatus
	CombinedOutput         string
	FilesModified          []string
	CommandsExecuted       []string
	ProcessingTimeSeconds  int
	TotalCostUSD           float64
	DurationMs             int64
	DurationAPIMs          int64
	NumTurns               int
	OutstandingItems       []string
	Recommendations        []string
	WorkspacePath          string
	GitCommitSHA           string
	GitBranch              string
	RefinementTaskID       int64 // 0 if none created
}

// Executor runs a single task through the planner/worker/evaluator
// pipeline against a provisioned workspace, then commits the workspace
// changes and returns an Outcome; persisting the result row is left to
// the caller. It never retries within an attempt — the caller owns
// retry policy via attempt_count.
type Executor struct {
	cli     Streamer
	store   taskstore.Store
	ws      *workspace.Root
	git     *gitops.Repo // nil disables commit/validate
	usage   UsagePercent
	checker UsageChecker // nil disables the post-task pause check
	cfg     Config
	logger  *slog.Logger
}

// New constructs an Executor. git and checker may be nil to disable
// their respective features.
func New(cli Streamer, store taskstore.Store, ws *workspace.Root, git *gitops.Repo, usage UsagePercent, checker UsageChecker, cfg Config, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{
		cli:     cli,
		store:   store,
		ws:      ws,
		git:     git,
		usage:   usage,
		checker: checker,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// RunTask provisions the task's workspace, drives the phase pipeline,
// updates the workspace README, commits via git if configured, and
// applies the low-usage refinement hook. A returned *executor.ErrPause
// (check with errors.As) is non-fatal: the Outcome is still complete
// and should be persisted by the caller, which should then also honor
// the pause.
func (e *Executor) RunTask(ctx context.Context, task *taskstore.Task) (*Outcome, error) {
	start := time.Now()

	dir, err := e.ws.DirFor(task.ID, task.Description, task.ProjectID)
	if err != nil {
		return nil, fmt.Errorf("executor: provision workspace: %w", err)
	}
	if err := workspace.EnsureREADME(dir, task.ID, previewLine(task.Description), task.Description, string(task.Priority), task.ProjectID); err != nil {
		e.logger.Warn("executor: ensure README failed", "task_id", task.ID, "error", err)
	}

	var combined strings.Builder
	var planText string
	var filesModified, commandsExecuted []string
	var totalCost float64
	var durationMs, durationAPIMs int64
	var numTurns int
	timedOut := false

	if e.cfg.Planner.Enabled {
		listing, _ := dirListing(dir)
		readme, _ := os.ReadFile(filepath.Join(dir, "README.md"))
		prompt := plannerPrompt(task.Description, string(readme), listing)
		opts := PhaseOptions{WorkingDir: dir, Mode: ReadOnlyTools, Model: e.cfg.DefaultModel, MaxTurns: e.cfg.Planner.MaxTurns}

		res, perr := RunPhase(ctx, e.cli, prompt, opts, e.cfg.Planner.timeout(), nil)
		if res != nil {
			accumulate(&totalCost, &durationMs, &durationAPIMs, &numTurns, res)
		}
		if perr != nil {
			var timeoutErr *ErrPhaseTimeout
			var failedErr *ErrPhaseFailed
			if errors.As(perr, &timeoutErr) || errors.As(perr, &failedErr) {
				combined.WriteString(res.Text)
				timedOut = true
			} else {
				return nil, fmt.Errorf("executor: planner phase: %w", perr)
			}
		} else {
			planText = res.Text
			combined.WriteString("## Plan\n")
			combined.WriteString(planText)
			combined.WriteString("\n\n")
			if err := workspace.WritePLAN(dir, task.ID, planText); err != nil {
				e.logger.Debug("executor: write PLAN.md failed", "task_id", task.ID, "error", err)
			}
		}
	}

	if !timedOut && e.cfg.Worker.Enabled {
		before, _ := workspace.ListFiles(dir)
		prompt := workerPrompt(task.Description, planText)
		opts := PhaseOptions{WorkingDir: dir, Mode: ReadWriteTools, Model: e.cfg.DefaultModel, MaxTurns: e.cfg.Worker.MaxTurns}

		res, werr := RunPhase(ctx, e.cli, prompt, opts, e.cfg.Worker.timeout(), nil)
		if res != nil {
			accumulate(&totalCost, &durationMs, &durationAPIMs, &numTurns, res)
			commandsExecuted = res.CommandsExecuted
			filesModified = res.FilesModified
		}
		after, _ := workspace.ListFiles(dir)
		filesModified = unionStrings(filesModified, workspace.Diff(before, after))

		if werr != nil {
			var timeoutErr *ErrPhaseTimeout
			var failedErr *ErrPhaseFailed
			if errors.As(werr, &timeoutErr) || errors.As(werr, &failedErr) {
				combined.WriteString("## Worker\n")
				combined.WriteString(res.Text)
				timedOut = true
			} else {
				return nil, fmt.Errorf("executor: worker phase: %w", werr)
			}
		} else {
			combined.WriteString("## Worker\n")
			combined.WriteString(res.Text)
			combined.WriteString("\n\n")
		}
	}

	eval := Evaluation{Status: StatusIncomplete}
	if !timedOut && e.cfg.Evaluator.Enabled {
		prompt := evaluatorPrompt(task.Description, planText, combined.String(), len(filesModified), len(commandsExecuted))
		opts := PhaseOptions{WorkingDir: dir, Mode: ReadOnlyTools, Model: e.cfg.DefaultModel, MaxTurns: e.cfg.Evaluator.MaxTurns}

		res, eerr := RunPhase(ctx, e.cli, prompt, opts, e.cfg.Evaluator.timeout(), nil)
		if res != nil {
			accumulate(&totalCost, &durationMs, &durationAPIMs, &numTurns, res)
		}
		if eerr != nil {
			var timeoutErr *ErrPhaseTimeout
			var failedErr *ErrPhaseFailed
			if errors.As(eerr, &timeoutErr) || errors.As(eerr, &failedErr) {
				combined.WriteString("## Evaluation\n")
				combined.WriteString(res.Text)
				timedOut = true
			} else {
				return nil, fmt.Errorf("executor: evaluator phase: %w", eerr)
			}
		} else {
			eval = ExtractEvaluation(res.Text)
			combined.WriteString("## Evaluation\n")
			combined.WriteString(res.Text)
		}
	} else if timedOut {
		eval.Status = StatusFailed
	}

	if err := workspace.UpdateREADMEStatus(dir, string(eval.Status), eval.OutstandingItems, eval.Recommendations); err != nil {
		e.logger.Debug("executor: update README status failed", "task_id", task.ID, "error", err)
	}

	outcome := &Outcome{
		Status:                eval.Status,
		CombinedOutput:        combined.String(),
		FilesModified:         filesModified,
		CommandsExecuted:      commandsExecuted,
		ProcessingTimeSeconds: int(time.Since(start).Seconds()),
		TotalCostUSD:          totalCost,
		DurationMs:            durationMs,
		DurationAPIMs:         durationAPIMs,
		NumTurns:              numTurns,
		OutstandingItems:      eval.OutstandingItems,
		Recommendations:       eval.Recommendations,
		WorkspacePath:         dir,
	}

	if len(filesModified) == 0 && task.Priority != taskstore.PrioritySerious {
		if summaryPath, werr := gitops.WriteSummaryFile(dir, task.ID, string(task.Priority), task.Description, combined.String()); werr != nil {
			e.logger.Debug("executor: write summary file failed", "task_id", task.ID, "error", werr)
		} else if summaryPath != "" {
			outcome.FilesModified = unionStrings(outcome.FilesModified, []string{summaryPath})
		}
	}

	e.commit(ctx, task, outcome)
	e.maybeRefine(ctx, task, eval, outcome)

	if e.checker != nil && e.cfg.PauseThresholdPercent > 0 {
		if usage, uerr := e.checker.GetUsage(ctx); uerr == nil {
			if float64(usage.PercentUsed()) >= e.cfg.PauseThresholdPercent {
				resetAt := usage.ResetTime
				if resetAt.IsZero() {
					resetAt = time.Now().Add(5 * time.Hour)
				}
				return outcome, &ErrPause{ResetTime: resetAt, Reason: "post_task_usage_check"}
			}
		}
	}

	return outcome, nil
}

// commit validates and commits the task's workspace changes, filling
// in the outcome's git fields on success. Failures are logged, not
// returned: a failed commit must not fail an otherwise-successful task.
func (e *Executor) commit(ctx context.Context, task *taskstore.Task, outcome *Outcome) {
	if e.git == nil || len(outcome.FilesModified) == 0 {
		return
	}
	if ok, issues := gitops.ValidateChanges(outcome.WorkspacePath, outcome.FilesModified); !ok {
		e.logger.Warn("executor: validation failed, skipping commit", "task_id", task.ID, "issues", issues)
		return
	}
	branch := gitops.DetermineBranch(task.ProjectID, task.Priority != taskstore.PrioritySerious)
	message := fmt.Sprintf("Task #%d: %s", task.ID, previewLine(task.Description))
	sha, err := e.git.CommitWorkspaceChanges(ctx, branch, outcome.WorkspacePath, outcome.FilesModified, message)
	if err != nil {
		e.logger.Warn("executor: commit failed", "task_id", task.ID, "error", err)
		return
	}
	outcome.GitCommitSHA = sha
	outcome.GitBranch = branch
}

// maybeRefine emits a follow-up SERIOUS task scoped to the same
// project when the evaluation left work outstanding and current usage
// has headroom, per the README update & refinement hook.
func (e *Executor) maybeRefine(ctx context.Context, task *taskstore.Task, eval Evaluation, outcome *Outcome) {
	if !e.cfg.AutoGenerateRefinements || e.usage == nil {
		return
	}
	switch eval.Status {
	case StatusPartial, StatusIncomplete, StatusFailed:
	default:
		return
	}

	pct, err := e.usage.GetUsagePercent(ctx)
	if err != nil {
		e.logger.Debug("executor: refinement usage check failed", "task_id", task.ID, "error", err)
		return
	}
	if float64(pct) >= e.cfg.LowUsageThresholdPercent {
		return
	}

	desc := firstNonEmpty(eval.Recommendations)
	if desc == "" {
		desc = firstNonEmpty(eval.OutstandingItems)
	}
	if desc == "" {
		return
	}

	id, err := e.store.AddTask(ctx, &taskstore.Task{
		Description: desc,
		Priority:    taskstore.PrioritySerious,
		TaskType:    taskstore.TaskTypeRefine,
		ProjectID:   task.ProjectID,
		ProjectName: task.ProjectName,
	})
	if err != nil {
		e.logger.Warn("executor: refinement task creation failed", "task_id", task.ID, "error", err)
		return
	}
	e.logger.Info("executor: refinement task created", "task_id", task.ID, "refinement_task_id", id)
	outcome.RefinementTaskID = id
}

func accumulate(totalCost *float64, durationMs, durationAPIMs *int64, numTurns *int, res *PhaseResult) {
	if !res.HasResult {
		return
	}
	*totalCost += res.Result.TotalCostUSD
	*durationMs += res.Result.DurationMs
	*durationAPIMs += res.Result.DurationAPIMs
	*numTurns += res.Result.NumTurns
}

func dirListing(dir string) (string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return "", err
	}
	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		names = append(names, entry.Name())
	}
	sort.Strings(names)
	return strings.Join(names, "\n"), nil
}

// unionStrings merges a and b into a sorted, deduplicated slice. This
// is the single place result.files_modified is finalized before it's
// persisted, so callers downstream never see nondeterministic order or
// cross-source duplicates.
func unionStrings(a, b []string) []string {
	seen := make(map[string]bool, len(a)+len(b))
	var out []string
	for _, s := range append(append([]string{}, a...), b...) {
		if s == "" || seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

func firstNonEmpty(items []string) string {
	for _, item := range items {
		if strings.TrimSpace(item) != "" {
			return item
		}
	}
	return ""
}

func previewLine(s string) string {
	s = strings.TrimSpace(strings.SplitN(s, "\n", 2)[0])
	return truncatePreview(s, 72)
}

func plannerPrompt(description, readme, listing string) string {
	return fmt.Sprintf(`You are planning an implementation before any code is written.

Task: %s

Current workspace README:
%s

Top-level files:
%s

Produce a short executive summary, a TODO list of concrete steps, and any
approach notes worth recording before work begins.`, description, readme, listing)
}

func workerPrompt(description, planText string) string {
	return fmt.Sprintf(`Carry out the following task using the available tools.

Task: %s

Plan:
%s

Implement the plan. Make the changes directly in this workspace.`, description, planText)
}

func evaluatorPrompt(description, planText, workerOutput string, filesCount, commandsCount int) string {
	return fmt.Sprintf(`Evaluate the work just completed for this task.

Task: %s

Plan:
%s

Worker output:
%s

Files modified: %d, commands executed: %d.

Respond with a line "Status: COMPLETE|PARTIAL|INCOMPLETE|FAILED", followed by
an "Outstanding Items" section and a "Recommendations" section (each a bullet
list, or "(None)" if empty).`, description, planText, workerOutput, filesCount, commandsCount)
}
