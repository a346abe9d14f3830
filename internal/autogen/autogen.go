// Package autogen manufactures backlog tasks on a tick, subject to
// usage and hourly rate gates, by running a weighted prompt through the
// external agent CLI or, absent any configured prompt, drawing from a
// fallback pool of canned task archetypes.
package autogen

import (
	"context"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/Zeeeepa/sleepless-agent/internal/taskstore"
)

// Prompt is one configured generation archetype.
type Prompt struct {
	Name        string
	Text        string
	Weight      float64
	Model       string
	LogSeverity string
}

// UsagePercent reports current usage as a percentage of budget,
// satisfied by *budget.Manager.
type UsagePercent interface {
	GetUsagePercent(ctx context.Context) (int, error)
}

// Runner invokes the external agent CLI with a bare prompt (no tools)
// and returns its concatenated text output.
type Runner interface {
	RunPrompt(ctx context.Context, prompt, model string) (string, error)
}

// Config controls generation gating and prompt selection.
type Config struct {
	Enabled            bool
	Prompts            []Prompt
	DefaultModel       string
	ThresholdDayPct    float64 // default 60
	ThresholdNightPct  float64 // default 60 unless separately configured
	CeilingPct         float64 // default 85
	RateLimitDay       int     // tasks/hour during daytime
	RateLimitNight     int     // tasks/hour at night
	RandomRatio        float64 // probability a new task is tagged "generated" rather than "serious"
	IsNighttime        func(time.Time) bool
}

// Generator drives the auto-generation tick.
type Generator struct {
	store  taskstore.Store
	usage  UsagePercent
	runner Runner
	cfg    Config
	logger *slog.Logger
	rand   *rand.Rand

	mu            sync.Mutex
	hourBucket    time.Time
	countThisHour int
}

// New constructs a Generator.
func New(store taskstore.Store, usage UsagePercent, runner Runner, cfg Config, logger *slog.Logger) *Generator {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.IsNighttime == nil {
		cfg.IsNighttime = func(t time.Time) bool {
			h := t.Hour()
			return h >= 20 || h < 8
		}
	}
	return &Generator{
		store:  store,
		usage:  usage,
		runner: runner,
		cfg:    cfg,
		logger: logger,
		rand:   rand.New(rand.NewSource(time.Now().UnixNano())),
	}
}

// CheckAndGenerate runs one generation tick: gates on enablement,
// usage, and the hourly rate limit, then persists a generated task if a
// prompt produced one. Never returns an error to the caller — all
// failures are logged and treated as "no task generated".
func (g *Generator) CheckAndGenerate(ctx context.Context, now time.Time) bool {
	if !g.cfg.Enabled {
		return false
	}
	if !g.shouldGenerate(ctx, now) {
		return false
	}
	if !g.allowByRate(now) {
		return false
	}

	task, err := g.generateTask(ctx, now)
	if err != nil {
		g.logger.Error("autogen: generation failed", "error", err)
		return false
	}
	if task == nil {
		return false
	}
	g.logger.Info("autogen: task created", "task_id", task.ID, "preview", preview(task.Description, 80))
	return true
}

func (g *Generator) shouldGenerate(ctx context.Context, now time.Time) bool {
	pct, err := g.usage.GetUsagePercent(ctx)
	if err != nil {
		g.logger.Error("autogen: usage check failed", "error", err)
		return false // fail safe: don't generate on error
	}
	threshold := g.cfg.ThresholdDayPct
	if g.cfg.IsNighttime(now) {
		threshold = g.cfg.ThresholdNightPct
	}
	if threshold <= 0 {
		threshold = 60
	}
	ceiling := g.cfg.CeilingPct
	if ceiling <= 0 {
		ceiling = 85
	}
	return float64(pct) < threshold && float64(pct) < ceiling
}

func (g *Generator) allowByRate(now time.Time) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	bucket := now.Truncate(time.Hour)
	if !bucket.Equal(g.hourBucket) {
		g.hourBucket = bucket
		g.countThisHour = 0
	}
	limit := g.cfg.RateLimitDay
	if g.cfg.IsNighttime(now) {
		limit = g.cfg.RateLimitNight
	}
	if limit <= 0 {
		limit = 1
	}
	if g.countThisHour >= limit {
		return false
	}
	g.countThisHour++
	return true
}

// selectPrompt draws a weighted-random prompt, scaling fractional
// weights by 10 so e.g. weight 0.5 contributes 5 tickets.
func (g *Generator) selectPrompt() *Prompt {
	var pool []*Prompt
	for i := range g.cfg.Prompts {
		p := &g.cfg.Prompts[i]
		weight := int(p.Weight * 10)
		if weight <= 0 {
			continue
		}
		for n := 0; n < weight; n++ {
			pool = append(pool, p)
		}
	}
	if len(pool) == 0 {
		return nil
	}
	return pool[g.rand.Intn(len(pool))]
}

func (g *Generator) generateTask(ctx context.Context, now time.Time) (*taskstore.Task, error) {
	prompt := g.selectPrompt()
	source := ""
	var rawDesc string
	var err error

	if prompt != nil {
		source = prompt.Name
		model := prompt.Model
		if model == "" {
			model = g.cfg.DefaultModel
		}
		rawDesc, err = g.runner.RunPrompt(ctx, prompt.Text, model)
		if err != nil {
			g.logger.Debug("autogen: prompt execution failed", "prompt", prompt.Name, "error", err)
			return nil, nil
		}
	} else {
		entry, pickErr := g.store.PickTaskPoolEntry(ctx, "")
		if pickErr != nil {
			g.logger.Error("autogen: task pool lookup failed", "error", pickErr)
			return nil, nil
		}
		if entry == nil {
			g.logger.Warn("autogen: no prompt or task pool entry available")
			return nil, nil
		}
		source = "task_pool:" + entry.Category
		rawDesc = entry.Description
	}

	rawDesc = strings.TrimSpace(rawDesc)
	if rawDesc == "" {
		return nil, nil
	}

	description, taskType := ParseTaskType(rawDesc)

	// rand < ratio selects "generated"; otherwise "serious".
	priority := taskstore.PrioritySerious
	if g.cfg.RandomRatio > 0 && g.rand.Float64() < g.cfg.RandomRatio {
		priority = taskstore.PriorityGenerated
	}

	id, err := g.store.AddTask(ctx, &taskstore.Task{
		Description: description,
		Priority:    priority,
		TaskType:    taskType,
	})
	if err != nil {
		return nil, err
	}
	task, err := g.store.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}

	usagePct, _ := g.usage.GetUsagePercent(ctx)
	_, histErr := g.store.AddGenerationHistory(ctx, &taskstore.GenerationHistory{
		TaskID:                   task.ID,
		Source:                   source,
		UsagePercentAtGeneration: usagePct,
		CreatedAt:                now,
	})
	if histErr != nil {
		g.logger.Error("autogen: failed to record generation history", "error", histErr)
	}

	return task, nil
}

// ParseTaskType strips a leading "[NEW]" or "[REFINE]" prefix (case
// insensitive), returning the cleaned description and the matching
// task type. Absent any recognized prefix, it defaults to "new".
func ParseTaskType(desc string) (string, taskstore.TaskType) {
	trimmed := strings.TrimSpace(desc)
	upper := strings.ToUpper(trimmed)
	switch {
	case strings.HasPrefix(upper, "[NEW]"):
		return strings.TrimSpace(trimmed[len("[NEW]"):]), taskstore.TaskTypeNew
	case strings.HasPrefix(upper, "[REFINE]"):
		return strings.TrimSpace(trimmed[len("[REFINE]"):]), taskstore.TaskTypeRefine
	default:
		return trimmed, taskstore.TaskTypeNew
	}
}

func preview(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
