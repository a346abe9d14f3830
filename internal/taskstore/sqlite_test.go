package taskstore

import (
	"context"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	dir := t.TempDir()
	s, err := Open(filepath.Join(dir, "tasks.db"), slog.Default())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAddAndGetTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddTask(ctx, &Task{Description: "write docs", Priority: PrioritySerious})
	require.NoError(t, err)
	require.NotZero(t, id)

	got, err := s.GetTask(ctx, id)
	require.NoError(t, err)
	require.Equal(t, "write docs", got.Description)
	require.Equal(t, StatusPending, got.Status)
	require.Equal(t, PrioritySerious, got.Priority)
}

func TestAddTaskRejectsEmptyDescription(t *testing.T) {
	s := newTestStore(t)
	_, err := s.AddTask(context.Background(), &Task{Description: "   "})
	require.Error(t, err)
}

func TestGetPendingTasksOrdersByPriorityThenAge(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddTask(ctx, &Task{Description: "generated-1", Priority: PriorityGenerated})
	require.NoError(t, err)
	_, err = s.AddTask(ctx, &Task{Description: "random-1", Priority: PriorityRandom})
	require.NoError(t, err)
	_, err = s.AddTask(ctx, &Task{Description: "serious-1", Priority: PrioritySerious})
	require.NoError(t, err)
	_, err = s.AddTask(ctx, &Task{Description: "serious-2", Priority: PrioritySerious})
	require.NoError(t, err)

	tasks, err := s.GetPendingTasks(ctx, 10)
	require.NoError(t, err)
	require.Len(t, tasks, 4)
	require.Equal(t, "serious-1", tasks[0].Description)
	require.Equal(t, "serious-2", tasks[1].Description)
	require.Equal(t, "random-1", tasks[2].Description)
	require.Equal(t, "generated-1", tasks[3].Description)
}

func TestMarkInProgressIsNoOpOnNonPendingTask(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddTask(ctx, &Task{Description: "task", Priority: PriorityRandom})
	require.NoError(t, err)

	started, err := s.MarkInProgress(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, started.Status)
	require.Equal(t, 1, started.AttemptCount)

	again, err := s.MarkInProgress(ctx, id)
	require.NoError(t, err)
	require.Equal(t, StatusInProgress, again.Status)
	require.Equal(t, 1, again.AttemptCount, "attempt count must not increment on a repeated call")
}

func TestCancelTaskOnlyAffectsPendingTasks(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddTask(ctx, &Task{Description: "cancel me", Priority: PriorityRandom})
	require.NoError(t, err)

	cancelled, err := s.CancelTask(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, cancelled)
	require.Equal(t, StatusCancelled, cancelled.Status)
	require.NotNil(t, cancelled.DeletedAt)

	id2, err := s.AddTask(ctx, &Task{Description: "in flight", Priority: PriorityRandom})
	require.NoError(t, err)
	_, err = s.MarkInProgress(ctx, id2)
	require.NoError(t, err)

	result, err := s.CancelTask(ctx, id2)
	require.NoError(t, err)
	require.Nil(t, result, "an in-progress task cannot be cancelled")
}

func TestTimeoutExpiredTasksIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddTask(ctx, &Task{Description: "stuck", Priority: PriorityRandom})
	require.NoError(t, err)
	_, err = s.MarkInProgress(ctx, id)
	require.NoError(t, err)

	// Backdate started_at directly so the task looks stale.
	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET started_at = ? WHERE id = ?`,
		formatTime(time.Now().Add(-2*time.Hour)), id)
	require.NoError(t, err)

	expired, err := s.TimeoutExpiredTasks(ctx, time.Hour)
	require.NoError(t, err)
	require.Len(t, expired, 1)
	require.Equal(t, StatusFailed, expired[0].Status)
	require.Contains(t, expired[0].ErrorMessage, "Timed out")

	again, err := s.TimeoutExpiredTasks(ctx, time.Hour)
	require.NoError(t, err)
	require.Empty(t, again)
}

func TestMarkCompletedAndFailed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddTask(ctx, &Task{Description: "finishing", Priority: PriorityRandom})
	require.NoError(t, err)
	_, err = s.MarkInProgress(ctx, id)
	require.NoError(t, err)

	resultID := int64(42)
	done, err := s.MarkCompleted(ctx, id, &resultID)
	require.NoError(t, err)
	require.Equal(t, StatusCompleted, done.Status)
	require.NotNil(t, done.ResultID)
	require.Equal(t, resultID, *done.ResultID)

	id2, err := s.AddTask(ctx, &Task{Description: "failing", Priority: PriorityRandom})
	require.NoError(t, err)
	failed, err := s.MarkFailed(ctx, id2, "boom")
	require.NoError(t, err)
	require.Equal(t, StatusFailed, failed.Status)
	require.Equal(t, "boom", failed.ErrorMessage)
}

func TestQueueStatusCounts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddTask(ctx, &Task{Description: "a", Priority: PriorityRandom})
	require.NoError(t, err)
	id2, err := s.AddTask(ctx, &Task{Description: "b", Priority: PriorityRandom})
	require.NoError(t, err)
	_, err = s.MarkInProgress(ctx, id2)
	require.NoError(t, err)

	status, err := s.GetQueueStatus(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, status.Pending)
	require.Equal(t, 1, status.InProgress)
}

func TestProjectsAndDeleteProject(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddTask(ctx, &Task{Description: "p1-a", Priority: PriorityRandom, ProjectID: "proj-1", ProjectName: "Project One"})
	require.NoError(t, err)
	_, err = s.AddTask(ctx, &Task{Description: "p1-b", Priority: PriorityRandom, ProjectID: "proj-1", ProjectName: "Project One"})
	require.NoError(t, err)

	projects, err := s.GetProjects(ctx)
	require.NoError(t, err)
	require.Len(t, projects, 1)
	require.Equal(t, "proj-1", projects[0].ID)
	require.Equal(t, 2, projects[0].TaskCount)

	n, err := s.DeleteProject(ctx, "proj-1")
	require.NoError(t, err)
	require.Equal(t, 2, n)

	tasks, err := s.GetProjectTasks(ctx, "proj-1", 10)
	require.NoError(t, err)
	for _, tk := range tasks {
		require.Equal(t, StatusCancelled, tk.Status)
	}
}

func TestSaveAndGetResult(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddTask(ctx, &Task{Description: "with result", Priority: PriorityRandom})
	require.NoError(t, err)

	resultID, err := s.SaveResult(ctx, &Result{
		TaskID:           id,
		Output:           "done",
		FilesModified:    []string{"main.go"},
		CommandsExecuted: []string{"go build ./..."},
	})
	require.NoError(t, err)

	got, err := s.GetResult(ctx, resultID)
	require.NoError(t, err)
	require.Equal(t, "done", got.Output)
	require.Equal(t, []string{"main.go"}, got.FilesModified)

	require.NoError(t, s.UpdateResultCommitInfo(ctx, resultID, "deadbeef", "https://example/pr/1", "task-branch"))
	got2, err := s.GetResult(ctx, resultID)
	require.NoError(t, err)
	require.Equal(t, "deadbeef", got2.GitCommitSHA)
}

func TestUsageMetricsInRange(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddTask(ctx, &Task{Description: "metered", Priority: PriorityRandom})
	require.NoError(t, err)

	_, err = s.RecordUsageMetric(ctx, &UsageMetric{TaskID: id, TotalCostUSD: "0.42", DurationMs: 1200, NumTurns: 3})
	require.NoError(t, err)

	start := time.Now().Add(-time.Hour)
	end := time.Now().Add(time.Hour)
	metrics, err := s.GetUsageMetricsInRange(ctx, start, end)
	require.NoError(t, err)
	require.Len(t, metrics, 1)
	require.Equal(t, "0.42", metrics[0].TotalCostUSD)
}

func TestGenerationHistoryCount(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	id, err := s.AddTask(ctx, &Task{Description: "generated", Priority: PriorityGenerated})
	require.NoError(t, err)

	_, err = s.AddGenerationHistory(ctx, &GenerationHistory{TaskID: id, Source: "prompt_pool", UsagePercentAtGeneration: 10})
	require.NoError(t, err)

	n, err := s.CountGenerationHistorySince(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestTaskPoolPicksLeastUsed(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()

	_, err := s.AddTaskPoolEntry(ctx, &TaskPoolEntry{Description: "refactor something", Priority: PriorityGenerated, Category: "cleanup"})
	require.NoError(t, err)
	_, err = s.AddTaskPoolEntry(ctx, &TaskPoolEntry{Description: "add tests", Priority: PriorityGenerated, Category: "testing"})
	require.NoError(t, err)

	first, err := s.PickTaskPoolEntry(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, first)
	require.Equal(t, 0, first.Used)

	second, err := s.PickTaskPoolEntry(ctx, "")
	require.NoError(t, err)
	require.NotNil(t, second)
	require.NotEqual(t, first.ID, second.ID, "the now more-used entry should not be picked again immediately")
}
