// Package daemon is the composition root for the 24/7 tick loop: sweep
// expired tasks, admit and execute work through the scheduler and
// executor, top up the backlog via auto-generation, and record
// everything the rest of the system needs to observe what happened.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/Zeeeepa/sleepless-agent/internal/autogen"
	"github.com/Zeeeepa/sleepless-agent/internal/executor"
	"github.com/Zeeeepa/sleepless-agent/internal/metrics"
	"github.com/Zeeeepa/sleepless-agent/internal/report"
	"github.com/Zeeeepa/sleepless-agent/internal/resultstore"
	"github.com/Zeeeepa/sleepless-agent/internal/scheduler"
	"github.com/Zeeeepa/sleepless-agent/internal/taskstore"
)

// Config controls the loop's pacing, independent of any one
// component's own configuration.
type Config struct {
	TickInterval     time.Duration // default 5s, matches the reference polling cadence
	TaskMaxAge       time.Duration // passed to TimeoutExpiredTasks; default 30m
	InterTaskDelay   time.Duration // default 1s, paces successive dispatches within one tick
	HealthLogEveryN  int           // default 12 ticks (60s at a 5s interval)
	MaxParallelTasks int           // bounds concurrent executeTask calls per tick; default 1
}

func (c Config) withDefaults() Config {
	if c.TickInterval <= 0 {
		c.TickInterval = 5 * time.Second
	}
	if c.TaskMaxAge <= 0 {
		c.TaskMaxAge = 30 * time.Minute
	}
	if c.InterTaskDelay <= 0 {
		c.InterTaskDelay = time.Second
	}
	if c.HealthLogEveryN <= 0 {
		c.HealthLogEveryN = 12
	}
	if c.MaxParallelTasks <= 0 {
		c.MaxParallelTasks = 1
	}
	return c
}

// Daemon wires the task store, scheduler, executor, auto-generator,
// result mirror, and activity reports into one long-running loop.
type Daemon struct {
	store     taskstore.Store
	scheduler *scheduler.Scheduler
	executor  *executor.Executor
	autogen   *autogen.Generator
	results   *resultstore.Store
	reports   *report.Generator
	cfg       Config
	logger    *slog.Logger
}

// New constructs a Daemon. reports may be nil to disable activity-log
// maintenance.
func New(store taskstore.Store, sched *scheduler.Scheduler, exec *executor.Executor, gen *autogen.Generator, results *resultstore.Store, reports *report.Generator, cfg Config, logger *slog.Logger) *Daemon {
	if logger == nil {
		logger = slog.Default()
	}
	return &Daemon{
		store:     store,
		scheduler: sched,
		executor:  exec,
		autogen:   gen,
		results:   results,
		reports:   reports,
		cfg:       cfg.withDefaults(),
		logger:    logger,
	}
}

// Run blocks, ticking until ctx is cancelled. It never returns a
// non-nil error for transient tick failures — those are logged and the
// loop continues — only ctx cancellation ends it cleanly.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Info("daemon starting", "tick_interval", d.cfg.TickInterval)
	defer d.logger.Info("daemon stopped")

	ticks := 0
	for {
		if ctx.Err() != nil {
			return nil
		}

		sleep := d.cfg.TickInterval
		if err := d.tick(ctx); err != nil {
			d.logger.Error("daemon: tick failed", "error", err)
		} else if remaining, paused := d.scheduler.GetPauseRemainingSeconds(); paused {
			sleep = time.Duration(remaining) * time.Second
			if sleep > 5*time.Minute {
				sleep = 5 * time.Minute
			}
		}

		ticks++
		if ticks%d.cfg.HealthLogEveryN == 0 {
			d.logHealth(ctx)
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(sleep):
		}
	}
}

// tick runs one iteration: timeout sweep, admission + execution,
// auto-generation, and a queue-depth metrics refresh.
func (d *Daemon) tick(ctx context.Context) error {
	d.sweepTimeouts(ctx)

	if err := d.processTasks(ctx); err != nil {
		return fmt.Errorf("process tasks: %w", err)
	}

	if d.autogen != nil {
		d.autogen.CheckAndGenerate(ctx, time.Now())
	}

	d.refreshQueueMetrics(ctx)
	return nil
}

// sweepTimeouts marks tasks that have been in_progress longer than
// TaskMaxAge as failed, so a crashed or hung executor run doesn't wedge
// a slot forever.
func (d *Daemon) sweepTimeouts(ctx context.Context) {
	expired, err := d.store.TimeoutExpiredTasks(ctx, d.cfg.TaskMaxAge)
	if err != nil {
		d.logger.Error("daemon: timeout sweep failed", "error", err)
		return
	}
	for _, t := range expired {
		d.logger.Warn("daemon: task timed out", "task_id", t.ID, "age", d.cfg.TaskMaxAge)
		metrics.TasksTotal.WithLabelValues("timeout").Inc()
	}
}

// processTasks admits up to one tick's worth of tasks and runs them
// concurrently, bounded by MaxParallelTasks via a weighted semaphore;
// dispatch of successive tasks is staggered by InterTaskDelay, matching
// the reference implementation's small pacing delay between launches.
// Any task reporting *executor.ErrPause stops further dispatch within
// this tick, but tasks already in flight are allowed to finish.
func (d *Daemon) processTasks(ctx context.Context) error {
	tasks, err := d.scheduler.GetNextTasks(ctx)
	if err != nil {
		return err
	}

	sem := semaphore.NewWeighted(int64(d.cfg.MaxParallelTasks))
	var wg sync.WaitGroup
	var mu sync.Mutex
	paused := false

	for _, task := range tasks {
		if ctx.Err() != nil {
			break
		}
		mu.Lock()
		stop := paused
		mu.Unlock()
		if stop {
			break
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			break
		}
		mu.Lock()
		stop = paused
		mu.Unlock()
		if stop {
			sem.Release(1)
			break
		}

		wg.Add(1)
		go func(t *taskstore.Task) {
			defer wg.Done()
			defer sem.Release(1)

			if err := d.executeTask(ctx, t); err != nil {
				var pauseErr *executor.ErrPause
				if errors.As(err, &pauseErr) {
					d.logger.Warn("daemon: pausing after task", "task_id", t.ID, "reset_at", pauseErr.ResetTime, "reason", pauseErr.Reason)
					mu.Lock()
					paused = true
					mu.Unlock()
					return
				}
				d.logger.Error("daemon: task execution failed", "task_id", t.ID, "error", err)
			}
		}(task)

		select {
		case <-ctx.Done():
		case <-time.After(d.cfg.InterTaskDelay):
		}
	}

	wg.Wait()
	return nil
}

// executeTask drives one task end to end: mark in-progress, run the
// phase pipeline, persist the result, transition status, record usage,
// and append an activity-log entry. A returned error may wrap
// *executor.ErrPause; the Outcome has already been fully persisted by
// the time that happens.
func (d *Daemon) executeTask(ctx context.Context, task *taskstore.Task) error {
	if _, err := d.store.MarkInProgress(ctx, task.ID); err != nil {
		return fmt.Errorf("mark in progress: %w", err)
	}
	d.logger.Info("daemon: executing task", "task_id", task.ID, "priority", task.Priority)

	outcome, runErr := d.executor.RunTask(ctx, task)
	var pauseErr *executor.ErrPause
	paused := runErr != nil && errors.As(runErr, &pauseErr)
	if runErr != nil && !paused {
		if _, markErr := d.store.MarkFailed(ctx, task.ID, runErr.Error()); markErr != nil {
			d.logger.Error("daemon: mark failed errored", "task_id", task.ID, "error", markErr)
		}
		metrics.TasksTotal.WithLabelValues("error").Inc()
		return runErr
	}

	status := string(outcome.Status)
	result := &taskstore.Result{
		TaskID:                task.ID,
		Output:                outcome.CombinedOutput,
		FilesModified:         outcome.FilesModified,
		CommandsExecuted:      outcome.CommandsExecuted,
		ProcessingTimeSeconds: outcome.ProcessingTimeSeconds,
		GitCommitSHA:          outcome.GitCommitSHA,
		GitBranch:             outcome.GitBranch,
		WorkspacePath:         outcome.WorkspacePath,
	}

	var resultID *int64
	if d.results != nil {
		saved, err := d.results.SaveResult(ctx, result)
		if err != nil {
			d.logger.Error("daemon: save result failed", "task_id", task.ID, "error", err)
		} else {
			resultID = &saved.ID
		}
	}

	if outcome.Status == executor.StatusComplete {
		if _, err := d.store.MarkCompleted(ctx, task.ID, resultID); err != nil {
			d.logger.Error("daemon: mark completed failed", "task_id", task.ID, "error", err)
		}
	} else {
		if _, err := d.store.MarkFailed(ctx, task.ID, "evaluation status: "+status); err != nil {
			d.logger.Error("daemon: mark failed failed", "task_id", task.ID, "error", err)
		}
	}
	metrics.TasksTotal.WithLabelValues(status).Inc()
	metrics.TaskCostUSD.Observe(outcome.TotalCostUSD)

	if err := d.scheduler.RecordTaskUsage(ctx, task.ID, fmt.Sprintf("%.6f", outcome.TotalCostUSD), outcome.DurationMs, outcome.DurationAPIMs, outcome.NumTurns, task.ProjectID); err != nil {
		d.logger.Error("daemon: record usage failed", "task_id", task.ID, "error", err)
	}

	if d.reports != nil {
		reportStatus := "failed"
		if outcome.Status == executor.StatusComplete {
			reportStatus = "completed"
		}
		d.reports.AppendTaskCompletion(report.TaskMetrics{
			TaskID:           task.ID,
			Description:      task.Description,
			Priority:         string(task.Priority),
			Status:           reportStatus,
			DurationSeconds:  outcome.ProcessingTimeSeconds,
			FilesModified:    len(outcome.FilesModified),
			CommandsExecuted: len(outcome.CommandsExecuted),
			GitInfo:          outcome.GitCommitSHA,
			Timestamp:        time.Now(),
		}, task.ProjectID)
	}

	if outcome.RefinementTaskID != 0 {
		metrics.AutoGeneratedTasksTotal.WithLabelValues("refinement").Inc()
	}

	if paused {
		return pauseErr
	}
	return nil
}

func (d *Daemon) refreshQueueMetrics(ctx context.Context) {
	qs, err := d.store.GetQueueStatus(ctx)
	if err != nil {
		return
	}
	metrics.QueueDepth.WithLabelValues("pending").Set(float64(qs.Pending))
	metrics.QueueDepth.WithLabelValues("in_progress").Set(float64(qs.InProgress))
	metrics.QueueDepth.WithLabelValues("completed").Set(float64(qs.Completed))
	metrics.QueueDepth.WithLabelValues("failed").Set(float64(qs.Failed))
	metrics.QueueDepth.WithLabelValues("cancelled").Set(float64(qs.Cancelled))
}

func (d *Daemon) logHealth(ctx context.Context) {
	qs, err := d.store.GetQueueStatus(ctx)
	if err != nil {
		d.logger.Error("daemon: health report failed", "error", err)
		return
	}
	d.logger.Info("daemon: health report",
		"pending", qs.Pending, "in_progress", qs.InProgress,
		"completed", qs.Completed, "failed", qs.Failed, "cancelled", qs.Cancelled)
}
