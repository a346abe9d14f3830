package autogen

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/sleepless-agent/internal/taskstore"
)

type fakeUsage struct{ pct int }

func (f fakeUsage) GetUsagePercent(ctx context.Context) (int, error) { return f.pct, nil }

type fakeRunner struct {
	out string
	err error
}

func (f fakeRunner) RunPrompt(ctx context.Context, prompt, model string) (string, error) {
	return f.out, f.err
}

func newTestStore(t *testing.T) taskstore.Store {
	t.Helper()
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestParseTaskType(t *testing.T) {
	desc, typ := ParseTaskType("[NEW] add a feature")
	require.Equal(t, "add a feature", desc)
	require.Equal(t, taskstore.TaskTypeNew, typ)

	desc, typ = ParseTaskType("[refine] polish the thing")
	require.Equal(t, "polish the thing", desc)
	require.Equal(t, taskstore.TaskTypeRefine, typ)

	desc, typ = ParseTaskType("no prefix here")
	require.Equal(t, "no prefix here", desc)
	require.Equal(t, taskstore.TaskTypeNew, typ)
}

func TestCheckAndGenerateSkipsWhenDisabled(t *testing.T) {
	store := newTestStore(t)
	g := New(store, fakeUsage{pct: 10}, fakeRunner{out: "[NEW] do it"}, Config{Enabled: false}, nil)
	require.False(t, g.CheckAndGenerate(context.Background(), time.Now()))
}

func TestCheckAndGenerateSkipsAboveThreshold(t *testing.T) {
	store := newTestStore(t)
	cfg := Config{Enabled: true, ThresholdDayPct: 60, CeilingPct: 85, RateLimitDay: 5,
		Prompts: []Prompt{{Name: "p1", Text: "generate", Weight: 1}}}
	g := New(store, fakeUsage{pct: 90}, fakeRunner{out: "[NEW] do it"}, cfg, nil)
	require.False(t, g.CheckAndGenerate(context.Background(), time.Now()))
}

func TestCheckAndGenerateCreatesTaskFromPrompt(t *testing.T) {
	store := newTestStore(t)
	cfg := Config{Enabled: true, ThresholdDayPct: 60, CeilingPct: 85, RateLimitDay: 5,
		Prompts: []Prompt{{Name: "p1", Text: "generate", Weight: 1}}}
	g := New(store, fakeUsage{pct: 10}, fakeRunner{out: "[REFINE] polish the docs"}, cfg, nil)

	require.True(t, g.CheckAndGenerate(context.Background(), time.Now()))

	tasks, err := store.GetRecentTasks(context.Background(), 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "polish the docs", tasks[0].Description)
	require.Equal(t, taskstore.TaskTypeRefine, tasks[0].TaskType)
	// RandomRatio is unset (0) here, so rand.Float64() < ratio is never
	// true and the task stays at the default priority.
	require.Equal(t, taskstore.PrioritySerious, tasks[0].Priority)
}

func TestCheckAndGenerateRespectsHourlyRateLimit(t *testing.T) {
	store := newTestStore(t)
	cfg := Config{Enabled: true, ThresholdDayPct: 60, CeilingPct: 85, RateLimitDay: 1,
		Prompts: []Prompt{{Name: "p1", Text: "generate", Weight: 1}}}
	g := New(store, fakeUsage{pct: 10}, fakeRunner{out: "[NEW] first"}, cfg, nil)

	now := time.Now()
	require.True(t, g.CheckAndGenerate(context.Background(), now))
	require.False(t, g.CheckAndGenerate(context.Background(), now.Add(time.Minute)))
	require.True(t, g.CheckAndGenerate(context.Background(), now.Add(time.Hour+time.Minute)))
}

func TestCheckAndGenerateFallsBackToTaskPool(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	_, err := store.AddTaskPoolEntry(ctx, &taskstore.TaskPoolEntry{Description: "clean up old logs", Priority: taskstore.PriorityGenerated, Category: "cleanup"})
	require.NoError(t, err)

	cfg := Config{Enabled: true, ThresholdDayPct: 60, CeilingPct: 85, RateLimitDay: 5}
	g := New(store, fakeUsage{pct: 10}, fakeRunner{}, cfg, nil)

	require.True(t, g.CheckAndGenerate(ctx, time.Now()))

	tasks, err := store.GetRecentTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	require.Equal(t, "clean up old logs", tasks[0].Description)
}

func TestCheckAndGenerateNoOpWhenNothingAvailable(t *testing.T) {
	store := newTestStore(t)
	cfg := Config{Enabled: true, ThresholdDayPct: 60, CeilingPct: 85, RateLimitDay: 5}
	g := New(store, fakeUsage{pct: 10}, fakeRunner{}, cfg, nil)

	require.False(t, g.CheckAndGenerate(context.Background(), time.Now()))
}
