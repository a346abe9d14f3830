// Package gitops commits a task's workspace changes to a branch derived
// from its project, best-effort: a failed git operation is logged but
// never fails the owning task.
package gitops

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

const capturesBranch = "captures"

// Repo wraps git operations scoped to a single repository checkout.
type Repo struct {
	dir    string
	logger *slog.Logger
}

// New returns a Repo rooted at dir, running "git init" if dir is not
// already a repository.
func New(dir string, logger *slog.Logger) (*Repo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Repo{dir: dir, logger: logger}
	if _, err := os.Stat(filepath.Join(dir, ".git")); errors.Is(err, os.ErrNotExist) {
		if err := r.git(context.Background(), "init"); err != nil {
			return nil, fmt.Errorf("gitops: init %s: %w", dir, err)
		}
		_ = r.git(context.Background(), "config", "user.email", "agent@sleepless.local")
		_ = r.git(context.Background(), "config", "user.name", "Sleepless Agent")
	}
	return r, nil
}

// DetermineBranch returns the branch a task's changes should land on:
// "main" by default, "project/<projectID>" for a project-scoped task,
// and the shared captures branch for tasks with no project (random or
// auto-generated thoughts).
func DetermineBranch(projectID string, isCapture bool) string {
	switch {
	case projectID != "":
		return "project/" + projectID
	case isCapture:
		return capturesBranch
	default:
		return "main"
	}
}

// CommitWorkspaceChanges switches to branch (creating it off the
// current HEAD if absent), stages the listed files plus the
// workspace's tasks/ and data/ subdirectories, and commits if anything
// was staged. Returns the empty string, nil if there was nothing to
// commit. Branch, checkout, diff and commit failures are returned as
// errors for the caller to treat as best-effort; a listed file that
// fails to stage is logged and skipped, and failures staging tasks/ or
// data/ are ignored.
func (r *Repo) CommitWorkspaceChanges(ctx context.Context, branch, workspacePath string, files []string, message string) (string, error) {
	current, err := r.currentBranch(ctx)
	if err != nil {
		r.logger.Warn("gitops: cannot resolve current branch", "error", err)
		return "", err
	}

	if err := r.checkout(ctx, branch); err != nil {
		r.logger.Warn("gitops: checkout failed", "branch", branch, "error", err)
		return "", err
	}
	defer func() {
		if current != "" && current != branch {
			_ = r.git(ctx, "checkout", current)
		}
	}()

	rel, err := filepath.Rel(r.dir, workspacePath)
	if err != nil {
		rel = workspacePath
	}
	for _, f := range files {
		path := filepath.Join(rel, f)
		if err := r.git(ctx, "add", "--", path); err != nil {
			r.logger.Warn("gitops: stage failed", "file", path, "error", err)
		}
	}
	for _, sub := range []string{"tasks", "data"} {
		dir := filepath.Join(rel, sub)
		if _, statErr := os.Stat(filepath.Join(r.dir, dir)); statErr == nil {
			_ = r.git(ctx, "add", "--", dir)
		}
	}

	staged, err := r.gitOutput(ctx, "diff", "--cached", "--name-only")
	if err != nil {
		return "", err
	}
	if strings.TrimSpace(staged) == "" {
		return "", nil
	}

	if err := r.git(ctx, "commit", "-m", message); err != nil {
		return "", fmt.Errorf("gitops: commit: %w", err)
	}
	hash, err := r.gitOutput(ctx, "rev-parse", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(hash), nil
}

const summaryTemplate = `# Task %d: %s

**Priority**: %s
**Captured**: %s

## Output

%s
`

// WriteSummaryFile persists a task's output as a timestamped markdown
// file under workspace, for random or generated tasks that produced no
// files of their own so the resulting commit has content.
func WriteSummaryFile(workspace string, taskID int64, priority, description, output string) (string, error) {
	timestamp := time.Now().UTC().Format("2006-01-02T15-04-05Z")
	name := fmt.Sprintf("capture_%d_%s.md", taskID, timestamp)
	path := filepath.Join(workspace, name)
	content := fmt.Sprintf(summaryTemplate, taskID, description, priority,
		time.Now().UTC().Format(time.RFC3339), output)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return "", fmt.Errorf("gitops: write summary: %w", err)
	}
	return name, nil
}

var secretPatterns = []string{
	"PRIVATE_KEY",
	"API_KEY",
	"PASSWORD",
	"SECRET",
	"TOKEN",
	"CREDENTIAL",
}

// ValidateChanges rejects a set of changed files if any contains a
// plaintext-credential heuristic, or is a Go source file that fails to
// parse.
func ValidateChanges(workspace string, files []string) (bool, string) {
	var issues []string

	for _, f := range files {
		path := filepath.Join(workspace, f)
		content, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		upper := strings.ToUpper(string(content))
		for _, pattern := range secretPatterns {
			if strings.Contains(upper, pattern) {
				issues = append(issues, fmt.Sprintf("potential secret in %s", f))
				break
			}
		}
		if strings.HasSuffix(f, ".go") {
			fset := token.NewFileSet()
			if _, err := parser.ParseFile(fset, path, content, parser.AllErrors); err != nil {
				issues = append(issues, fmt.Sprintf("Go syntax error in %s: %v", f, err))
			}
		}
	}

	if len(issues) > 0 {
		return false, strings.Join(issues, "\n")
	}
	return true, "OK"
}

func (r *Repo) currentBranch(ctx context.Context) (string, error) {
	out, err := r.gitOutput(ctx, "rev-parse", "--abbrev-ref", "HEAD")
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// checkout switches to branch, creating it off HEAD if it doesn't
// already exist.
func (r *Repo) checkout(ctx context.Context, branch string) error {
	if err := r.git(ctx, "checkout", branch); err != nil {
		return r.git(ctx, "checkout", "-b", branch)
	}
	return nil
}

func (r *Repo) git(ctx context.Context, args ...string) error {
	_, err := r.gitOutput(ctx, args...)
	return err
}

func (r *Repo) gitOutput(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = r.dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	out, err := cmd.Output()
	if err != nil {
		return "", fmt.Errorf("git %s: %w: %s", strings.Join(args, " "), err, stderr.String())
	}
	return string(out), nil
}
