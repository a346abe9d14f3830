// Package metrics implements the daemon's Prometheus metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// QueueDepth tracks the number of tasks in each status.
	QueueDepth = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "sleepless_queue_depth",
			Help: "Number of tasks currently in each status",
		},
		[]string{"status"},
	)

	// BudgetUsagePercent tracks the fraction of the daily budget spent.
	BudgetUsagePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sleepless_budget_usage_percent",
			Help: "Percentage of the daily budget consumed so far",
		},
	)

	// LiveUsagePercent tracks the Pro-plan live usage percentage.
	LiveUsagePercent = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "sleepless_live_usage_percent",
			Help: "Percentage of the live Pro-plan usage window consumed",
		},
	)

	// SchedulerDenialsTotal counts admission denials by reason.
	SchedulerDenialsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleepless_scheduler_denials_total",
			Help: "Total number of scheduler admission denials",
		},
		[]string{"reason"},
	)

	// PhaseDurationSeconds measures executor phase wall-clock time.
	PhaseDurationSeconds = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "sleepless_phase_duration_seconds",
			Help:    "Duration of planner/worker/evaluator phases in seconds",
			Buckets: prometheus.ExponentialBuckets(1, 2, 12), // 1s .. ~34min
		},
		[]string{"phase"},
	)

	// TaskCostUSD measures per-task cost reported by the agent CLI.
	TaskCostUSD = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "sleepless_task_cost_usd",
			Help:    "Total cost in USD reported for a completed task",
			Buckets: prometheus.ExponentialBuckets(0.01, 2, 12),
		},
	)

	// TasksTotal counts completed tasks by final status.
	TasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleepless_tasks_total",
			Help: "Total number of tasks completed, by final status",
		},
		[]string{"status"},
	)

	// AutoGeneratedTasksTotal counts tasks created by the auto-generation loop.
	AutoGeneratedTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "sleepless_auto_generated_tasks_total",
			Help: "Total number of tasks created by the backlog auto-generation loop",
		},
		[]string{"source"},
	)
)
