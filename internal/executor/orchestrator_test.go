package executor

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/sleepless-agent/internal/gitops"
	"github.com/Zeeeepa/sleepless-agent/internal/taskstore"
	"github.com/Zeeeepa/sleepless-agent/internal/usagecheck"
	"github.com/Zeeeepa/sleepless-agent/internal/workspace"
)

// scriptedStreamer replays one canned text response per call, in order,
// regardless of prompt content, so tests can drive planner/worker/
// evaluator deterministically without a real CLI.
type scriptedStreamer struct {
	responses []string
	calls     int
}

func (s *scriptedStreamer) Stream(ctx context.Context, prompt string, opts PhaseOptions, timeout time.Duration, onEvent OnEvent) error {
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		return nil
	}
	onEvent(StreamMessage{Type: "assistant", Raw: map[string]any{"result": s.responses[idx]}})
	onEvent(StreamMessage{Type: "result", Raw: map[string]any{"is_error": false, "total_cost_usd": 0.01, "duration_ms": 100.0, "num_turns": 1.0}})
	return nil
}

func newTestStore(t *testing.T) taskstore.Store {
	t.Helper()
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

type fakeUsagePercent struct{ pct int }

func (f fakeUsagePercent) GetUsagePercent(ctx context.Context) (int, error) { return f.pct, nil }

type fakeUsageChecker struct{ usage usagecheck.Usage }

func (f fakeUsageChecker) GetUsage(ctx context.Context) (usagecheck.Usage, error) { return f.usage, nil }

func TestRunTaskCompletesAndAccumulatesCost(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	git, err := gitops.New(ws.Path, nil)
	require.NoError(t, err)

	streamer := &scriptedStreamer{responses: []string{
		"plan: do the thing",
		"implemented the thing",
		"Status: COMPLETE\n## Recommendations\n(None)",
	}}

	e := New(streamer, store, ws, git, fakeUsagePercent{pct: 10}, nil, Config{}, nil)

	id, err := store.AddTask(ctx, &taskstore.Task{Description: "add a feature", Priority: taskstore.PrioritySerious})
	require.NoError(t, err)
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)

	outcome, err := e.RunTask(ctx, task)
	require.NoError(t, err)
	require.Equal(t, StatusComplete, outcome.Status)
	require.Greater(t, outcome.TotalCostUSD, 0.0)
}

func TestRunTaskCreatesRefinementWhenIncompleteAndUsageLow(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	streamer := &scriptedStreamer{responses: []string{
		"plan",
		"partial work",
		"Status: INCOMPLETE\n## Recommendations\n- finish the edge case",
	}}

	cfg := Config{AutoGenerateRefinements: true, LowUsageThresholdPercent: 60}
	e := New(streamer, store, ws, nil, fakeUsagePercent{pct: 10}, nil, cfg, nil)

	id, err := store.AddTask(ctx, &taskstore.Task{Description: "add a feature", Priority: taskstore.PrioritySerious, ProjectID: "proj1"})
	require.NoError(t, err)
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)

	outcome, err := e.RunTask(ctx, task)
	require.NoError(t, err)
	require.Equal(t, StatusIncomplete, outcome.Status)
	require.NotZero(t, outcome.RefinementTaskID)

	refined, err := store.GetTask(ctx, outcome.RefinementTaskID)
	require.NoError(t, err)
	require.Equal(t, "finish the edge case", refined.Description)
	require.Equal(t, taskstore.PrioritySerious, refined.Priority)
	require.Equal(t, "proj1", refined.ProjectID)
}

func TestRunTaskNoRefinementWhenUsageAboveThreshold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	streamer := &scriptedStreamer{responses: []string{
		"plan",
		"partial work",
		"Status: PARTIAL\n## Recommendations\n- do more",
	}}

	cfg := Config{AutoGenerateRefinements: true, LowUsageThresholdPercent: 60}
	e := New(streamer, store, ws, nil, fakeUsagePercent{pct: 90}, nil, cfg, nil)

	id, err := store.AddTask(ctx, &taskstore.Task{Description: "add a feature", Priority: taskstore.PrioritySerious})
	require.NoError(t, err)
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)

	outcome, err := e.RunTask(ctx, task)
	require.NoError(t, err)
	require.Zero(t, outcome.RefinementTaskID)
}

// failingWorkerStreamer succeeds for planner but reports is_error=true
// on the worker phase, regardless of exit status.
type failingWorkerStreamer struct{ calls int }

func (s *failingWorkerStreamer) Stream(ctx context.Context, prompt string, opts PhaseOptions, timeout time.Duration, onEvent OnEvent) error {
	s.calls++
	if s.calls == 1 {
		onEvent(StreamMessage{Type: "assistant", Raw: map[string]any{"result": "plan: do the thing"}})
		onEvent(StreamMessage{Type: "result", Raw: map[string]any{"is_error": false, "total_cost_usd": 0.01}})
		return nil
	}
	onEvent(StreamMessage{Type: "assistant", Raw: map[string]any{"result": "attempted but failed"}})
	onEvent(StreamMessage{Type: "result", Raw: map[string]any{"is_error": true, "result": "tool crashed", "total_cost_usd": 0.01}})
	return nil
}

func TestRunTaskTreatsIsErrorAsPhaseFailureNotCrash(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	e := New(&failingWorkerStreamer{}, store, ws, nil, fakeUsagePercent{pct: 10}, nil, Config{}, nil)

	id, err := store.AddTask(ctx, &taskstore.Task{Description: "add a feature", Priority: taskstore.PrioritySerious})
	require.NoError(t, err)
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)

	outcome, err := e.RunTask(ctx, task)
	require.NoError(t, err)
	require.NotNil(t, outcome)
	require.Equal(t, StatusFailed, outcome.Status)
}

func TestRunTaskReturnsErrPauseWhenUsageAtThreshold(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)

	streamer := &scriptedStreamer{responses: []string{"plan", "work", "Status: COMPLETE"}}
	checker := fakeUsageChecker{usage: usagecheck.Usage{MessagesUsed: 38, MessagesLimit: 40, ResetTime: time.Now().Add(time.Hour)}}
	cfg := Config{PauseThresholdPercent: 85}
	e := New(streamer, store, ws, nil, fakeUsagePercent{pct: 10}, checker, cfg, nil)

	id, err := store.AddTask(ctx, &taskstore.Task{Description: "add a feature", Priority: taskstore.PrioritySerious})
	require.NoError(t, err)
	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)

	outcome, err := e.RunTask(ctx, task)
	require.Error(t, err)
	var pauseErr *ErrPause
	require.ErrorAs(t, err, &pauseErr)
	require.NotNil(t, outcome)
}
