package report

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestAppendTaskCompletionCreatesDailyReport(t *testing.T) {
	base := t.TempDir()
	g, err := New(base, nil)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g.AppendTaskCompletion(TaskMetrics{
		TaskID: 1, Description: "fix bug", Priority: "serious", Status: "completed",
		DurationSeconds: 42, FilesModified: 2, CommandsExecuted: 3, Timestamp: ts,
	}, "")

	data, err := os.ReadFile(filepath.Join(base, "daily", "2026-03-01.md"))
	require.NoError(t, err)
	content := string(data)
	require.Contains(t, content, "Task #1: fix bug")
	require.Contains(t, content, "Duration: 42s")
}

func TestAppendTaskCompletionAlsoWritesProjectReport(t *testing.T) {
	base := t.TempDir()
	g, err := New(base, nil)
	require.NoError(t, err)

	g.AppendTaskCompletion(TaskMetrics{TaskID: 2, Description: "work", Priority: "serious", Status: "failed", ErrorMessage: "boom"}, "proj-a")

	data, err := os.ReadFile(filepath.Join(base, "projects", "proj-a.md"))
	require.NoError(t, err)
	require.Contains(t, string(data), "Error: boom")
}

func TestSummarizeDailyComputesCounts(t *testing.T) {
	base := t.TempDir()
	g, err := New(base, nil)
	require.NoError(t, err)

	ts := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	g.AppendTaskCompletion(TaskMetrics{TaskID: 1, Status: "completed", DurationSeconds: 10, FilesModified: 1, CommandsExecuted: 1, Timestamp: ts}, "")
	g.AppendTaskCompletion(TaskMetrics{TaskID: 2, Status: "failed", DurationSeconds: 20, FilesModified: 2, CommandsExecuted: 0, Timestamp: ts}, "")

	require.NoError(t, g.SummarizeDaily("2026-03-01"))

	data, err := os.ReadFile(filepath.Join(base, "daily", "2026-03-01.md"))
	require.NoError(t, err)
	content := string(data)
	require.Contains(t, content, "Total tasks: 2 (completed: 1, failed: 1)")
	require.Contains(t, content, "Total duration: 30s")
}

func TestSummarizeDailyIsNoOpWhenMissing(t *testing.T) {
	base := t.TempDir()
	g, err := New(base, nil)
	require.NoError(t, err)
	require.NoError(t, g.SummarizeDaily("2099-01-01"))
}
