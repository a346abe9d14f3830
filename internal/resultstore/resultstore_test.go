package resultstore

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/Zeeeepa/sleepless-agent/internal/taskstore"
)

func newTestDB(t *testing.T) taskstore.Store {
	t.Helper()
	store, err := taskstore.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	ctx := context.Background()
	require.NoError(t, store.EnsureSchema(ctx))
	return store
}

func TestSaveResultWritesJSONMirror(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	taskID, err := db.AddTask(ctx, &taskstore.Task{Description: "do the thing", Priority: taskstore.PrioritySerious})
	require.NoError(t, err)

	resultsDir := filepath.Join(t.TempDir(), "results")
	store, err := New(db, resultsDir, nil)
	require.NoError(t, err)

	saved, err := store.SaveResult(ctx, &taskstore.Result{
		TaskID:           taskID,
		Output:           "done",
		FilesModified:    []string{"a.go"},
		CommandsExecuted: []string{"go test ./..."},
	})
	require.NoError(t, err)
	require.NotZero(t, saved.ID)

	data, err := os.ReadFile(store.path(taskID, saved.ID))
	require.NoError(t, err)
	var decoded resultFile
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "done", decoded.Output)
	require.Equal(t, []string{"a.go"}, decoded.FilesModified)
}

func TestUpdateResultCommitInfoRewritesMirror(t *testing.T) {
	db := newTestDB(t)
	ctx := context.Background()
	taskID, err := db.AddTask(ctx, &taskstore.Task{Description: "do the thing", Priority: taskstore.PrioritySerious})
	require.NoError(t, err)

	store, err := New(db, filepath.Join(t.TempDir(), "results"), nil)
	require.NoError(t, err)

	saved, err := store.SaveResult(ctx, &taskstore.Result{TaskID: taskID, Output: "done"})
	require.NoError(t, err)

	require.NoError(t, store.UpdateResultCommitInfo(ctx, saved.ID, "abc123", "", "main"))

	data, err := os.ReadFile(store.path(taskID, saved.ID))
	require.NoError(t, err)
	var decoded resultFile
	require.NoError(t, json.Unmarshal(data, &decoded))
	require.Equal(t, "abc123", decoded.GitCommitSHA)
	require.Equal(t, "main", decoded.GitBranch)
}

func TestAuxFilesRoundTrip(t *testing.T) {
	db := newTestDB(t)
	store, err := New(db, filepath.Join(t.TempDir(), "results"), nil)
	require.NoError(t, err)

	path, err := store.SaveAuxFile(42, "plan.md", "# plan")
	require.NoError(t, err)
	require.FileExists(t, path)

	files, err := store.AuxFiles(42)
	require.NoError(t, err)
	require.Len(t, files, 1)

	files, err = store.AuxFiles(999)
	require.NoError(t, err)
	require.Empty(t, files)
}
