package daemon

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/sleepless-agent/internal/executor"
	"github.com/Zeeeepa/sleepless-agent/internal/scheduler"
	"github.com/Zeeeepa/sleepless-agent/internal/taskstore"
	"github.com/Zeeeepa/sleepless-agent/internal/workspace"
)

// scriptedStreamer replays canned text responses in order, mirroring
// the executor package's own test double so the daemon can be driven
// end to end without a real CLI subprocess.
type scriptedStreamer struct {
	responses []string
	calls     int
}

func (s *scriptedStreamer) Stream(ctx context.Context, prompt string, opts executor.PhaseOptions, timeout time.Duration, onEvent executor.OnEvent) error {
	idx := s.calls
	s.calls++
	if idx >= len(s.responses) {
		return nil
	}
	onEvent(executor.StreamMessage{Type: "assistant", Raw: map[string]any{"result": s.responses[idx]}})
	onEvent(executor.StreamMessage{Type: "result", Raw: map[string]any{"is_error": false, "total_cost_usd": 0.02, "duration_ms": 150.0, "num_turns": 1.0}})
	return nil
}

type fakeUsagePercent struct{ pct int }

func (f fakeUsagePercent) GetUsagePercent(ctx context.Context) (int, error) { return f.pct, nil }

func newTestStore(t *testing.T) taskstore.Store {
	t.Helper()
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background()))
	return store
}

func TestDaemonTickCompletesPendingTask(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.AddTask(ctx, &taskstore.Task{Description: "add a feature", Priority: taskstore.PrioritySerious})
	require.NoError(t, err)

	sched := scheduler.New(store, nil, nil, scheduler.Config{MaxParallelTasks: 1}, nil)

	ws, err := workspace.New(t.TempDir())
	require.NoError(t, err)
	streamer := &scriptedStreamer{responses: []string{
		"plan: do the thing",
		"implemented the thing",
		"Status: COMPLETE\n## Recommendations\n(None)",
	}}
	exec := executor.New(streamer, store, ws, nil, fakeUsagePercent{pct: 10}, nil, executor.Config{}, nil)

	d := New(store, sched, exec, nil, nil, nil, Config{}, nil)

	require.NoError(t, d.tick(ctx))

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusCompleted, task.Status)
}

func TestDaemonSweepTimeoutsMarksStaleInProgressFailed(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	id, err := store.AddTask(ctx, &taskstore.Task{Description: "stuck task", Priority: taskstore.PrioritySerious})
	require.NoError(t, err)
	_, err = store.MarkInProgress(ctx, id)
	require.NoError(t, err)

	sched := scheduler.New(store, nil, nil, scheduler.Config{MaxParallelTasks: 1}, nil)
	d := New(store, sched, nil, nil, nil, nil, Config{TaskMaxAge: time.Nanosecond}, nil)

	time.Sleep(time.Millisecond)
	d.sweepTimeouts(ctx)

	task, err := store.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, taskstore.StatusFailed, task.Status)
}

func TestDaemonRunStopsOnContextCancel(t *testing.T) {
	store := newTestStore(t)
	sched := scheduler.New(store, nil, nil, scheduler.Config{MaxParallelTasks: 1}, nil)
	d := New(store, sched, nil, nil, nil, nil, Config{TickInterval: 10 * time.Millisecond}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.Run(ctx) }()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("daemon.Run did not stop after context cancellation")
	}
}
