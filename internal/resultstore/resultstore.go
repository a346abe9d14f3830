// Package resultstore mirrors each task result onto the filesystem as
// a JSON file alongside its database row, so results remain readable
// without a database connection and survive a corrupted store.
package resultstore

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/Zeeeepa/sleepless-agent/internal/taskstore"
)

// Store records a taskstore.Result's DB row and writes a matching JSON
// file under a results directory.
type Store struct {
	db          taskstore.Store
	resultsPath string
	logger      *slog.Logger
}

// New returns a Store writing JSON mirrors under resultsPath, creating
// the directory if absent.
func New(db taskstore.Store, resultsPath string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(resultsPath, 0o755); err != nil {
		return nil, fmt.Errorf("resultstore: mkdir %s: %w", resultsPath, err)
	}
	return &Store{db: db, resultsPath: resultsPath, logger: logger}, nil
}

type resultFile struct {
	TaskID                 int64     `json:"task_id"`
	ResultID               int64     `json:"result_id"`
	CreatedAt              time.Time `json:"created_at"`
	Output                 string    `json:"output"`
	FilesModified          []string  `json:"files_modified,omitempty"`
	CommandsExecuted       []string  `json:"commands_executed,omitempty"`
	ProcessingTimeSeconds  int       `json:"processing_time_seconds,omitempty"`
	GitCommitSHA           string    `json:"git_commit_sha,omitempty"`
	GitPRURL               string    `json:"git_pr_url,omitempty"`
	GitBranch              string    `json:"git_branch,omitempty"`
	WorkspacePath          string    `json:"workspace_path,omitempty"`
}

func (s *Store) path(taskID, resultID int64) string {
	return filepath.Join(s.resultsPath, fmt.Sprintf("task_%d_%d.json", taskID, resultID))
}

func (s *Store) writeFile(result *taskstore.Result) error {
	payload := resultFile{
		TaskID:                result.TaskID,
		ResultID:              result.ID,
		CreatedAt:             result.CreatedAt,
		Output:                result.Output,
		FilesModified:         result.FilesModified,
		CommandsExecuted:      result.CommandsExecuted,
		ProcessingTimeSeconds: result.ProcessingTimeSeconds,
		GitCommitSHA:          result.GitCommitSHA,
		GitPRURL:              result.GitPRURL,
		GitBranch:             result.GitBranch,
		WorkspacePath:         result.WorkspacePath,
	}
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return fmt.Errorf("resultstore: marshal: %w", err)
	}
	path := s.path(result.TaskID, result.ID)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("resultstore: write %s: %w", path, err)
	}
	return nil
}

// SaveResult persists result through the database, then mirrors it to
// a JSON file. A file-write failure is logged but does not roll back
// the database row, matching the reference implementation's
// best-effort mirroring.
func (s *Store) SaveResult(ctx context.Context, result *taskstore.Result) (*taskstore.Result, error) {
	id, err := s.db.SaveResult(ctx, result)
	if err != nil {
		return nil, err
	}
	saved, err := s.db.GetResult(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.writeFile(saved); err != nil {
		s.logger.Error("resultstore: failed to write result file", "task_id", saved.TaskID, "error", err)
	}
	return saved, nil
}

// UpdateResultCommitInfo updates git metadata on the database row, then
// rewrites the mirrored JSON file to match.
func (s *Store) UpdateResultCommitInfo(ctx context.Context, resultID int64, sha, prURL, branch string) error {
	if err := s.db.UpdateResultCommitInfo(ctx, resultID, sha, prURL, branch); err != nil {
		return err
	}
	result, err := s.db.GetResult(ctx, resultID)
	if err != nil || result == nil {
		return err
	}
	if err := s.writeFile(result); err != nil {
		s.logger.Error("resultstore: failed to rewrite result file", "result_id", resultID, "error", err)
	}
	return nil
}

// SaveAuxFile writes additional output under a per-task subdirectory
// (e.g. raw logs, plan text) alongside the result JSON mirrors.
func (s *Store) SaveAuxFile(taskID int64, filename, content string) (string, error) {
	dir := filepath.Join(s.resultsPath, fmt.Sprintf("task_%d", taskID))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("resultstore: mkdir %s: %w", dir, err)
	}
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("resultstore: write %s: %w", path, err)
	}
	s.logger.Info("resultstore: aux file saved", "path", path)
	return path, nil
}

// AuxFiles lists files previously saved via SaveAuxFile for a task.
func (s *Store) AuxFiles(taskID int64) ([]string, error) {
	dir := filepath.Join(s.resultsPath, fmt.Sprintf("task_%d", taskID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() {
			files = append(files, filepath.Join(dir, e.Name()))
		}
	}
	return files, nil
}

// CleanupAuxFiles removes aux files for taskID older than keepDays.
func (s *Store) CleanupAuxFiles(taskID int64, keepDays int) error {
	dir := filepath.Join(s.resultsPath, fmt.Sprintf("task_%d", taskID))
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	cutoff := time.Now().Add(-time.Duration(keepDays) * 24 * time.Hour)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			path := filepath.Join(dir, e.Name())
			if err := os.Remove(path); err == nil {
				s.logger.Info("resultstore: deleted old aux file", "path", path)
			}
		}
	}
	return nil
}
