// Package taskstore implements the persistent task queue and state
// machine: task records, priority- and age-ordered dequeue, soft
// delete, and the retry discipline needed to run safely on top of a
// single-writer embedded database.
package taskstore

import (
	"context"
	"time"
)

// Priority is the submission priority of a Task.
type Priority string

const (
	PrioritySerious   Priority = "serious"
	PriorityRandom    Priority = "random"
	PriorityGenerated Priority = "generated"
)

// priorityRank returns the dequeue ordering rank for a priority: lower
// ranks are dequeued first. Unknown priorities rank last.
func priorityRank(p Priority) int {
	switch p {
	case PrioritySerious:
		return 0
	case PriorityRandom:
		return 1
	case PriorityGenerated:
		return 2
	default:
		return 3
	}
}

// Status is the lifecycle state of a Task.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// TaskType distinguishes fresh work from a follow-up refinement.
type TaskType string

const (
	TaskTypeNew    TaskType = "new"
	TaskTypeRefine TaskType = "refine"
)

// Task is the unit of work tracked by the queue.
type Task struct {
	ID            int64
	Description   string
	Priority      Priority
	Status        Status
	TaskType      TaskType
	CreatedAt     time.Time
	StartedAt     *time.Time
	CompletedAt   *time.Time
	DeletedAt     *time.Time
	AttemptCount  int
	ErrorMessage  string
	ResultID      *int64
	Context       string // opaque JSON blob
	AssignedTo    string
	ProjectID     string
	ProjectName   string
}

// Result is the persisted outcome of one completed execution attempt.
type Result struct {
	ID                     int64
	TaskID                 int64
	Output                 string
	FilesModified          []string
	CommandsExecuted       []string
	ProcessingTimeSeconds  int
	GitCommitSHA           string
	GitPRURL               string
	GitBranch              string
	WorkspacePath          string
	CreatedAt              time.Time
}

// UsageMetric records the cost/duration of one phase completion.
// TotalCostUSD is string-encoded to preserve arbitrary decimal
// precision; see internal/budget for the summation discipline.
type UsageMetric struct {
	ID             int64
	TaskID         int64
	TotalCostUSD   string
	DurationMs     int64
	DurationAPIMs  int64
	NumTurns       int
	ProjectID      string
	CreatedAt      time.Time
}

// GenerationHistory records one auto-generated task and its origin.
type GenerationHistory struct {
	ID                        int64
	TaskID                    int64
	Source                    string
	UsagePercentAtGeneration  int
	SourceMetadata            string
	CreatedAt                 time.Time
}

// TaskPoolEntry is a predefined task archetype the auto-generator may
// draw from when no AI-generated prompt is available.
type TaskPoolEntry struct {
	ID          int64
	Description string
	Priority    Priority
	Category    string
	Used        int
	ProjectID   string
	CreatedAt   time.Time
}

// Project is a derived, read-only grouping of tasks by ProjectID.
type Project struct {
	ID          string
	Name        string
	TaskCount   int
	PendingCount int
}

// QueueStatus is a count of tasks by status, for observability.
type QueueStatus struct {
	Pending    int
	InProgress int
	Completed  int
	Failed     int
	Cancelled  int
}

// Store is the persistence port for tasks, results, and usage records.
// Implementations must serialize writes per row and tolerate transient
// "database locked"/"readonly" errors by resetting the connection pool
// and retrying (see sqlite.go).
type Store interface {
	EnsureSchema(ctx context.Context) error

	AddTask(ctx context.Context, t *Task) (int64, error)
	GetTask(ctx context.Context, id int64) (*Task, error)
	GetPendingTasks(ctx context.Context, limit int) ([]*Task, error)
	GetInProgressTasks(ctx context.Context) ([]*Task, error)
	GetRecentTasks(ctx context.Context, limit int) ([]*Task, error)
	GetFailedTasks(ctx context.Context, limit int) ([]*Task, error)

	MarkInProgress(ctx context.Context, id int64) (*Task, error)
	MarkCompleted(ctx context.Context, id int64, resultID *int64) (*Task, error)
	MarkFailed(ctx context.Context, id int64, errMsg string) (*Task, error)
	CancelTask(ctx context.Context, id int64) (*Task, error)
	UpdatePriority(ctx context.Context, id int64, p Priority) (*Task, error)

	TimeoutExpiredTasks(ctx context.Context, maxAge time.Duration) ([]*Task, error)

	GetProjects(ctx context.Context) ([]*Project, error)
	GetProjectByID(ctx context.Context, projectID string) (*Project, error)
	GetProjectTasks(ctx context.Context, projectID string, limit int) ([]*Task, error)
	DeleteProject(ctx context.Context, projectID string) (int, error)

	GetQueueStatus(ctx context.Context) (*QueueStatus, error)

	SaveResult(ctx context.Context, r *Result) (int64, error)
	GetResult(ctx context.Context, id int64) (*Result, error)
	GetTaskResults(ctx context.Context, taskID int64) ([]*Result, error)
	UpdateResultCommitInfo(ctx context.Context, resultID int64, sha, prURL, branch string) error

	RecordUsageMetric(ctx context.Context, m *UsageMetric) (int64, error)
	GetUsageMetricsInRange(ctx context.Context, start, end time.Time) ([]*UsageMetric, error)

	AddGenerationHistory(ctx context.Context, h *GenerationHistory) (int64, error)
	CountGenerationHistorySince(ctx context.Context, since time.Time) (int, error)

	AddTaskPoolEntry(ctx context.Context, e *TaskPoolEntry) (int64, error)
	PickTaskPoolEntry(ctx context.Context, projectID string) (*TaskPoolEntry, error)

	Close() error
}
