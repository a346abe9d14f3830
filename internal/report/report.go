// Package report maintains append-only daily and per-project markdown
// activity logs: each task completion is inserted as a new entry ahead
// of a "## Summary" section, which can later be recomputed from the
// entries already written.
package report

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// TaskMetrics is one task-completion entry to append to a report.
type TaskMetrics struct {
	TaskID           int64
	Description      string
	Priority         string
	Status           string // "completed", "failed", "in_progress"
	DurationSeconds  int
	FilesModified    int
	CommandsExecuted int
	GitInfo          string
	ErrorMessage     string
	Timestamp        time.Time
}

// Generator appends task-completion entries to daily and project
// report files under base/daily and base/projects.
type Generator struct {
	dailyDir   string
	projectDir string
	logger     *slog.Logger
}

// New returns a Generator rooted at basePath, creating its daily and
// projects subdirectories.
func New(basePath string, logger *slog.Logger) (*Generator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	dailyDir := filepath.Join(basePath, "daily")
	projectDir := filepath.Join(basePath, "projects")
	for _, dir := range []string{dailyDir, projectDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("report: mkdir %s: %w", dir, err)
		}
	}
	return &Generator{dailyDir: dailyDir, projectDir: projectDir, logger: logger}, nil
}

// AppendTaskCompletion appends an entry to today's daily report, and to
// projectID's report if non-empty.
func (g *Generator) AppendTaskCompletion(m TaskMetrics, projectID string) {
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}
	today := m.Timestamp.Format("2006-01-02")
	dailyPath := filepath.Join(g.dailyDir, today+".md")
	if err := g.ensureDailyHeader(dailyPath, today); err != nil {
		g.logger.Error("report: failed to init daily report", "error", err)
		return
	}
	if err := appendEntry(dailyPath, formatEntry(m)); err != nil {
		g.logger.Error("report: failed to append to daily report", "error", err)
	}

	if projectID == "" {
		return
	}
	projectPath := filepath.Join(g.projectDir, projectID+".md")
	if err := g.ensureProjectHeader(projectPath, projectID); err != nil {
		g.logger.Error("report: failed to init project report", "error", err)
		return
	}
	if err := appendEntry(projectPath, formatEntry(m)); err != nil {
		g.logger.Error("report: failed to append to project report", "error", err)
	}
}

func (g *Generator) ensureDailyHeader(path, date string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	header := fmt.Sprintf("# Daily Report: %s\n\n## Tasks\n\n## Summary\n\n", date)
	return os.WriteFile(path, []byte(header), 0o644)
}

func (g *Generator) ensureProjectHeader(path, projectID string) error {
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	header := fmt.Sprintf("# Project Report: %s\n\nCreated: %s\n\n## Tasks\n\n## Summary\n\n",
		projectID, time.Now().UTC().Format("2006-01-02 15:04:05 UTC"))
	return os.WriteFile(path, []byte(header), 0o644)
}

// appendEntry inserts entry immediately before the "## Summary" marker,
// or at the end of the file if no marker is present.
func appendEntry(path, entry string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	content := string(raw)
	idx := strings.Index(content, "\n## Summary")
	var updated string
	if idx != -1 {
		updated = content[:idx] + "\n" + entry + content[idx:]
	} else {
		updated = content + "\n" + entry
	}
	return os.WriteFile(path, []byte(updated), 0o644)
}

func formatEntry(m TaskMetrics) string {
	mark := "x"
	if m.Status == "completed" {
		mark = "done"
	}
	var sb strings.Builder
	desc := m.Description
	if len(desc) > 80 {
		desc = desc[:80]
	}
	fmt.Fprintf(&sb, "- [%s] %s Task #%d: %s (%s)\n", mark, m.Timestamp.Format("15:04:05"), m.TaskID, desc, m.Priority)
	fmt.Fprintf(&sb, "  - Duration: %ds\n", m.DurationSeconds)
	fmt.Fprintf(&sb, "  - Files modified: %d, Commands: %d\n", m.FilesModified, m.CommandsExecuted)
	if m.GitInfo != "" {
		fmt.Fprintf(&sb, "  - Git: %s\n", m.GitInfo)
	}
	if m.ErrorMessage != "" {
		fmt.Fprintf(&sb, "  - Error: %s\n", m.ErrorMessage)
	}
	return sb.String()
}

// Stats are the aggregate counts SummarizeDaily/SummarizeProject
// recompute from a report's already-written entries.
type Stats struct {
	TotalTasks         int
	CompletedTasks     int
	FailedTasks        int
	TotalDurationSecs  int
	TotalFilesModified int
	TotalCommands      int
}

func extractStats(content string) Stats {
	var s Stats
	for _, line := range strings.Split(content, "\n") {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "- [done]"):
			s.CompletedTasks++
			s.TotalTasks++
		case strings.HasPrefix(line, "- [x]"):
			s.FailedTasks++
			s.TotalTasks++
		}
		if i := strings.Index(line, "Duration:"); i != -1 {
			rest := strings.TrimSpace(line[i+len("Duration:"):])
			rest = strings.TrimSuffix(rest, "s")
			if n, err := strconv.Atoi(strings.TrimSpace(rest)); err == nil {
				s.TotalDurationSecs += n
			}
		}
		if i := strings.Index(line, "Files modified:"); i != -1 {
			rest := line[i+len("Files modified:"):]
			if parts := strings.SplitN(rest, ",", 2); len(parts) == 2 {
				if n, err := strconv.Atoi(strings.TrimSpace(parts[0])); err == nil {
					s.TotalFilesModified += n
				}
				if j := strings.Index(parts[1], "Commands:"); j != -1 {
					if n, err := strconv.Atoi(strings.TrimSpace(parts[1][j+len("Commands:"):])); err == nil {
						s.TotalCommands += n
					}
				}
			}
		}
	}
	return s
}

func formatSummary(s Stats, title string) string {
	var sb strings.Builder
	sb.WriteString("## Summary\n\n")
	fmt.Fprintf(&sb, "- %s\n", title)
	fmt.Fprintf(&sb, "- Total tasks: %d (completed: %d, failed: %d)\n", s.TotalTasks, s.CompletedTasks, s.FailedTasks)
	fmt.Fprintf(&sb, "- Total duration: %ds\n", s.TotalDurationSecs)
	fmt.Fprintf(&sb, "- Files modified: %d, Commands executed: %d\n", s.TotalFilesModified, s.TotalCommands)
	return sb.String()
}

// replaceSummary rewrites the "## Summary" section of content in place,
// preserving anything that follows a subsequent "##" header.
func replaceSummary(content string, s Stats, title string) string {
	idx := strings.Index(content, "## Summary")
	summaryText := formatSummary(s, title)
	if idx == -1 {
		return content + "\n" + summaryText
	}
	next := strings.Index(content[idx+1:], "\n##")
	if next == -1 {
		return content[:idx] + summaryText
	}
	return content[:idx] + summaryText + content[idx+1+next:]
}

// SummarizeDaily recomputes date's (YYYY-MM-DD) summary section from
// its entries. A missing report is a no-op.
func (g *Generator) SummarizeDaily(date string) error {
	path := filepath.Join(g.dailyDir, date+".md")
	return g.summarize(path, date)
}

// SummarizeProject recomputes projectID's summary section.
func (g *Generator) SummarizeProject(projectID string) error {
	path := filepath.Join(g.projectDir, projectID+".md")
	return g.summarize(path, "Project: "+projectID)
}

func (g *Generator) summarize(path, title string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			g.logger.Warn("report: report not found", "path", path)
			return nil
		}
		return err
	}
	content := string(raw)
	stats := extractStats(content)
	updated := replaceSummary(content, stats, title)
	return os.WriteFile(path, []byte(updated), 0o644)
}
