// Package scheduler decides what to run next and whether anything may
// run at all. It never executes a task itself — that is the
// executor's job — it only admits tasks from the queue subject to
// concurrency, live-usage, and budget gates.
package scheduler

import (
	"context"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/Zeeeepa/sleepless-agent/internal/taskstore"
	"github.com/Zeeeepa/sleepless-agent/internal/usagecheck"
)

// BudgetGate is the subset of budget.Manager the scheduler needs for
// the budget-estimate fallback path.
type BudgetGate interface {
	IsBudgetAvailable(ctx context.Context, estimatedCost float64) (bool, error)
	GetRemainingBudget(ctx context.Context) (*big.Rat, error)
	GetUsagePercent(ctx context.Context) (int, error)
}

// UsageChecker is the subset of usagecheck.Checker the scheduler needs
// for the live-usage gate.
type UsageChecker interface {
	GetUsage(ctx context.Context) (usagecheck.Usage, error)
}

// Config controls admission behavior.
type Config struct {
	MaxParallelTasks      int
	UseLiveUsageCheck     bool
	PauseThresholdPercent float64 // default 85
	EstimatedTaskCostUSD  float64 // default 0.50
	PauseGrace            time.Duration
	DefaultPauseDuration  time.Duration
}

func (c Config) withDefaults() Config {
	if c.MaxParallelTasks <= 0 {
		c.MaxParallelTasks = 1
	}
	if c.PauseThresholdPercent <= 0 {
		c.PauseThresholdPercent = 85
	}
	if c.EstimatedTaskCostUSD <= 0 {
		c.EstimatedTaskCostUSD = 0.50
	}
	if c.PauseGrace <= 0 {
		c.PauseGrace = time.Minute
	}
	if c.DefaultPauseDuration <= 0 {
		c.DefaultPauseDuration = 5 * time.Minute
	}
	return c
}

// Scheduler is the admission-control pull-loop front end over
// taskstore.Store.
type Scheduler struct {
	store   taskstore.Store
	budget  BudgetGate
	checker UsageChecker
	cfg     Config
	logger  *slog.Logger

	mu                    sync.Mutex
	pauseUntil            time.Time
	budgetExhaustedLogged bool
	lastBudgetExhaustedAt time.Time
}

// New constructs a Scheduler. checker may be nil to disable the
// live-usage gate and rely purely on the budget fallback.
func New(store taskstore.Store, budget BudgetGate, checker UsageChecker, cfg Config, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		store:   store,
		budget:  budget,
		checker: checker,
		cfg:     cfg.withDefaults(),
		logger:  logger,
	}
}

// admitReason explains why GetNextTasks did or didn't admit work, for
// logging and for the dispatch-time usage-percent annotation.
type admitReason struct {
	allowed      bool
	reason       string
	usagePercent float64
	hasUsage     bool
	remaining    float64
}

// GetNextTasks runs one scheduler tick: checks pause state, the live
// usage gate (if configured), the budget fallback, and returns up to
// the available concurrency slots of pending tasks in priority/age
// order. An empty, nil-error result means "nothing admitted this
// tick" — not a failure.
func (s *Scheduler) GetNextTasks(ctx context.Context) ([]*taskstore.Task, error) {
	result := s.checkSchedulingAllowed(ctx)
	if !result.allowed {
		s.logDenial(result)
		return nil, nil
	}
	s.logResume(result)

	inProgress, err := s.store.GetInProgressTasks(ctx)
	if err != nil {
		return nil, err
	}
	slots := s.cfg.MaxParallelTasks - len(inProgress)
	if slots <= 0 {
		return nil, nil
	}

	pending, err := s.store.GetPendingTasks(ctx, slots)
	if err != nil {
		return nil, err
	}
	if len(pending) > 0 {
		s.logDispatch(result, len(pending))
	}
	return pending, nil
}

func (s *Scheduler) checkSchedulingAllowed(ctx context.Context) admitReason {
	now := time.Now()

	s.mu.Lock()
	if s.cfg.UseLiveUsageCheck && !s.pauseUntil.IsZero() {
		if now.Before(s.pauseUntil) {
			remaining := s.pauseUntil.Sub(now)
			s.mu.Unlock()
			return admitReason{allowed: false, reason: "usage_pause", remaining: remaining.Seconds()}
		}
		s.pauseUntil = time.Time{}
	}
	s.mu.Unlock()

	if s.cfg.UseLiveUsageCheck && s.checker != nil {
		usage, err := s.checker.GetUsage(ctx)
		if err != nil {
			s.logger.Debug("scheduler: usage check failed", "error", err)
		} else {
			pct := float64(usage.PercentUsed())
			if pct >= s.cfg.PauseThresholdPercent {
				base := usage.ResetTime
				if base.IsZero() || !base.After(now) {
					base = now.Add(s.cfg.DefaultPauseDuration)
				}
				pauseUntil := base.Add(s.cfg.PauseGrace)
				s.mu.Lock()
				s.pauseUntil = pauseUntil
				s.mu.Unlock()
				return admitReason{allowed: false, reason: "usage_threshold", usagePercent: pct, hasUsage: true, remaining: pauseUntil.Sub(now).Seconds()}
			}
			s.mu.Lock()
			s.pauseUntil = time.Time{}
			s.mu.Unlock()
			return admitReason{allowed: true, reason: "usage_ok", usagePercent: pct, hasUsage: true}
		}
	}

	if s.budget == nil {
		return admitReason{allowed: true, reason: "no_budget_configured"}
	}

	available, err := s.budget.IsBudgetAvailable(ctx, s.cfg.EstimatedTaskCostUSD)
	if err != nil {
		s.logger.Debug("scheduler: budget check failed", "error", err)
		return admitReason{allowed: true, reason: "budget_check_failed"}
	}
	remainingUSD := remainingAsFloat(s.budget, ctx)
	if !available {
		reason := "budget_insufficient"
		if remainingUSD <= 0 {
			reason = "budget_exhausted"
		}
		return admitReason{allowed: false, reason: reason, remaining: remainingUSD}
	}

	return admitReason{allowed: true, reason: "budget_ok", remaining: remainingUSD}
}

func remainingAsFloat(b BudgetGate, ctx context.Context) float64 {
	r, err := b.GetRemainingBudget(ctx)
	if err != nil || r == nil {
		return 0
	}
	f, _ := r.Float64()
	return f
}

// logDenial dedupes repeated budget-exhausted/insufficient denial
// messages to at most once per minute; every other denial reason logs
// each time since they are already rate-limited by the pause window.
func (s *Scheduler) logDenial(r admitReason) {
	now := time.Now()
	if r.reason == "budget_exhausted" || r.reason == "budget_insufficient" {
		s.mu.Lock()
		shouldLog := !s.budgetExhaustedLogged || now.Sub(s.lastBudgetExhaustedAt) >= time.Minute
		if shouldLog {
			s.budgetExhaustedLogged = true
			s.lastBudgetExhaustedAt = now
		}
		s.mu.Unlock()
		if !shouldLog {
			s.logger.Debug("scheduler: admission denied", "reason", r.reason, "remaining_budget_usd", r.remaining)
			return
		}
	}
	s.logger.Warn("scheduler: admission denied", "reason", r.reason, "usage_percent", r.usagePercent, "remaining_seconds", r.remaining)
}

func (s *Scheduler) logResume(r admitReason) {
	s.mu.Lock()
	wasExhausted := s.budgetExhaustedLogged
	s.budgetExhaustedLogged = false
	s.lastBudgetExhaustedAt = time.Time{}
	s.mu.Unlock()
	if wasExhausted {
		s.logger.Info("scheduler: resumed", "reason", r.reason)
	}
}

func (s *Scheduler) logDispatch(r admitReason, count int) {
	if r.hasUsage {
		s.logger.Info("scheduler: dispatching", "tasks", count, "usage_percent", r.usagePercent)
		return
	}
	s.logger.Info("scheduler: dispatching", "tasks", count, "remaining_budget_usd", r.remaining)
}

// GetPauseRemainingSeconds returns remaining pause duration if
// scheduling is currently halted by the live usage gate, so the daemon
// can sleep coarsely instead of ticking every 5 seconds.
func (s *Scheduler) GetPauseRemainingSeconds() (float64, bool) {
	if !s.cfg.UseLiveUsageCheck {
		return 0, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pauseUntil.IsZero() {
		return 0, false
	}
	remaining := time.Until(s.pauseUntil).Seconds()
	if remaining <= 0 {
		return 0, false
	}
	return remaining, true
}

// RecordTaskUsage persists a UsageMetric row for a completed task's
// phase costs.
func (s *Scheduler) RecordTaskUsage(ctx context.Context, taskID int64, totalCostUSD string, durationMs, durationAPIMs int64, numTurns int, projectID string) error {
	_, err := s.store.RecordUsageMetric(ctx, &taskstore.UsageMetric{
		TaskID:        taskID,
		TotalCostUSD:  totalCostUSD,
		DurationMs:    durationMs,
		DurationAPIMs: durationAPIMs,
		NumTurns:      numTurns,
		ProjectID:     projectID,
	})
	return err
}

// priorityBase assigns the base component of EstimateTaskPriorityScore.
var priorityBase = map[taskstore.Priority]float64{
	taskstore.PrioritySerious:   1000,
	taskstore.PriorityRandom:    100,
	taskstore.PriorityGenerated: 10,
}

// EstimateTaskPriorityScore computes a tie-break display score; it is
// not used by GetPendingTasks's own SQL ordering, which already
// ranks by priority then age.
func EstimateTaskPriorityScore(t *taskstore.Task, now time.Time) float64 {
	score := priorityBase[t.Priority]
	ageMinutes := now.Sub(t.CreatedAt).Minutes()
	score += ageMinutes * 0.1
	score -= float64(t.AttemptCount) * 50
	return score
}
