package budget

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/Zeeeepa/sleepless-agent/internal/taskstore"
)

// UsageSource is the read port a Manager needs from the task store: the
// set of usage metrics recorded in a half-open time range.
type UsageSource interface {
	GetUsageMetricsInRange(ctx context.Context, start, end time.Time) ([]*taskstore.UsageMetric, error)
}

// Status is a snapshot of the current budget window, suitable for
// exposing over an HTTP status endpoint or CLI command.
type Status struct {
	TimePeriod         string
	IsNighttime        bool
	DailyBudgetUSD     float64
	CurrentQuotaUSD    float64
	CurrentUsageUSD    float64
	RemainingBudgetUSD float64
	TodayUsageUSD      float64
	NightPercent       float64
	DayPercent         float64
}

// Manager tracks daily spend split between a night quota and a day quota,
// summing string-encoded USD costs exactly via math/big.Rat to avoid the
// floating-point drift that would accumulate across many small task costs.
type Manager struct {
	mu sync.Mutex

	source          UsageSource
	logger          *slog.Logger
	dailyBudgetUSD  *big.Rat
	nightQuotaRatio *big.Rat // fraction, e.g. 0.90
	dayQuotaRatio   *big.Rat
}

// NewManager constructs a Manager with the given daily budget (in USD)
// and the percentage of that budget reserved for the nighttime window.
func NewManager(source UsageSource, logger *slog.Logger, dailyBudgetUSD float64, nightQuotaPercent float64) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	nightRatio := new(big.Rat).SetFloat64(nightQuotaPercent / 100)
	if nightRatio == nil {
		nightRatio = big.NewRat(9, 10)
	}
	dayRatio := new(big.Rat).Sub(big.NewRat(1, 1), nightRatio)
	budget := new(big.Rat).SetFloat64(dailyBudgetUSD)
	if budget == nil {
		budget = big.NewRat(10, 1)
	}
	return &Manager{
		source:          source,
		logger:          logger,
		dailyBudgetUSD:  budget,
		nightQuotaRatio: nightRatio,
		dayQuotaRatio:   dayRatio,
	}
}

// sumCosts parses each metric's TotalCostUSD as an exact rational and
// accumulates the total, skipping (and logging) any value that fails to
// parse instead of aborting the whole sum.
func (m *Manager) sumCosts(metrics []*taskstore.UsageMetric) *big.Rat {
	total := new(big.Rat)
	for _, metric := range metrics {
		if metric.TotalCostUSD == "" {
			continue
		}
		cost, ok := new(big.Rat).SetString(metric.TotalCostUSD)
		if !ok {
			m.logger.Warn("budget: failed to parse recorded cost", "cost", metric.TotalCostUSD, "task_id", metric.TaskID)
			continue
		}
		total.Add(total, cost)
	}
	return total
}

// GetUsageInPeriod returns the exact USD total of usage metrics recorded
// in [start, end).
func (m *Manager) GetUsageInPeriod(ctx context.Context, start, end time.Time) (*big.Rat, error) {
	metrics, err := m.source.GetUsageMetricsInRange(ctx, start, end)
	if err != nil {
		return nil, fmt.Errorf("budget: usage in period: %w", err)
	}
	return m.sumCosts(metrics), nil
}

// GetTodayUsage returns usage accumulated since UTC midnight.
func (m *Manager) GetTodayUsage(ctx context.Context) (*big.Rat, error) {
	now := time.Now().UTC()
	todayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	return m.GetUsageInPeriod(ctx, todayStart, now)
}

// GetCurrentPeriodUsage returns usage for the current night/day window.
func (m *Manager) GetCurrentPeriodUsage(ctx context.Context) (*big.Rat, error) {
	now := time.Now().UTC()
	return m.GetUsageInPeriod(ctx, CurrentPeriodStart(now), now)
}

// GetCurrentQuota returns the USD quota for the currently active window.
func (m *Manager) GetCurrentQuota() *big.Rat {
	m.mu.Lock()
	defer m.mu.Unlock()
	ratio := m.dayQuotaRatio
	if IsNighttime(time.Now()) {
		ratio = m.nightQuotaRatio
	}
	return new(big.Rat).Mul(m.dailyBudgetUSD, ratio)
}

// GetRemainingBudget returns the non-negative remaining USD budget for
// the current window.
func (m *Manager) GetRemainingBudget(ctx context.Context) (*big.Rat, error) {
	quota := m.GetCurrentQuota()
	usage, err := m.GetCurrentPeriodUsage(ctx)
	if err != nil {
		return nil, err
	}
	remaining := new(big.Rat).Sub(quota, usage)
	if remaining.Sign() < 0 {
		return new(big.Rat), nil
	}
	return remaining, nil
}

// IsBudgetAvailable reports whether at least estimatedCostUSD remains in
// the current window.
func (m *Manager) IsBudgetAvailable(ctx context.Context, estimatedCostUSD float64) (bool, error) {
	remaining, err := m.GetRemainingBudget(ctx)
	if err != nil {
		return false, err
	}
	estimate := new(big.Rat).SetFloat64(estimatedCostUSD)
	if estimate == nil {
		estimate = new(big.Rat)
	}
	return remaining.Cmp(estimate) >= 0, nil
}

// GetUsagePercent returns current usage as an integer percentage (0-100)
// of the current window's quota.
func (m *Manager) GetUsagePercent(ctx context.Context) (int, error) {
	quota := m.GetCurrentQuota()
	if quota.Sign() == 0 {
		return 0, nil
	}
	usage, err := m.GetCurrentPeriodUsage(ctx)
	if err != nil {
		return 0, err
	}
	percent := new(big.Rat).Quo(usage, quota)
	percent.Mul(percent, big.NewRat(100, 1))
	f, _ := percent.Float64()
	if f > 100 {
		f = 100
	}
	if f < 0 {
		f = 0
	}
	return int(f), nil
}

// GetStatus returns a comprehensive snapshot of the budget window.
func (m *Manager) GetStatus(ctx context.Context) (Status, error) {
	now := time.Now()
	quota := m.GetCurrentQuota()
	usage, err := m.GetCurrentPeriodUsage(ctx)
	if err != nil {
		return Status{}, err
	}
	remaining, err := m.GetRemainingBudget(ctx)
	if err != nil {
		return Status{}, err
	}
	today, err := m.GetTodayUsage(ctx)
	if err != nil {
		return Status{}, err
	}

	m.mu.Lock()
	nightPct, _ := new(big.Rat).Mul(m.nightQuotaRatio, big.NewRat(100, 1)).Float64()
	dayPct, _ := new(big.Rat).Mul(m.dayQuotaRatio, big.NewRat(100, 1)).Float64()
	dailyBudget, _ := m.dailyBudgetUSD.Float64()
	m.mu.Unlock()

	quotaF, _ := quota.Float64()
	usageF, _ := usage.Float64()
	remainingF, _ := remaining.Float64()
	todayF, _ := today.Float64()

	return Status{
		TimePeriod:         TimeLabel(now),
		IsNighttime:        IsNighttime(now),
		DailyBudgetUSD:     dailyBudget,
		CurrentQuotaUSD:    quotaF,
		CurrentUsageUSD:    usageF,
		RemainingBudgetUSD: remainingF,
		TodayUsageUSD:      todayF,
		NightPercent:       nightPct,
		DayPercent:         dayPct,
	}, nil
}
