package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"
)

// Streamer is the port phase execution needs from a CLI invocation;
// satisfied by *CLI and by test doubles.
type Streamer interface {
	Stream(ctx context.Context, prompt string, opts PhaseOptions, timeout time.Duration, onEvent OnEvent) error
}

// PhaseResult accumulates everything observed while streaming one
// phase's output.
type PhaseResult struct {
	Text             string
	FilesModified    []string
	CommandsExecuted []string
	Result           ResultInfo
	HasResult        bool
	TimedOut         bool
}

var fileMutatingTools = map[string]bool{"Write": true, "Edit": true}

// RunPhase drives one CLI invocation and classifies its stream into
// text, file mutations, and shell commands. onPreview, if non-nil, is
// called with a trimmed live-status preview of each text chunk.
func RunPhase(ctx context.Context, streamer Streamer, prompt string, opts PhaseOptions, timeout time.Duration, onPreview func(string)) (*PhaseResult, error) {
	result := &PhaseResult{}
	modified := map[string]bool{}

	err := streamer.Stream(ctx, prompt, opts, timeout, func(msg StreamMessage) {
		if text := msg.ExtractText(); text != "" && msg.Type != "result" {
			result.Text += text
			if onPreview != nil {
				onPreview(truncatePreview(text, 200))
			}
		}
		if toolName, toolArgs := msg.ExtractToolEvent(); toolName != "" {
			switch {
			case fileMutatingTools[toolName]:
				if path := extractJSONField(toolArgs, "file_path"); path != "" {
					modified[path] = true
				}
			case toolName == "Bash":
				if cmd := extractJSONField(toolArgs, "command"); cmd != "" {
					result.CommandsExecuted = append(result.CommandsExecuted, cmd)
				}
			}
		}
		if info, ok := msg.ExtractResult(); ok {
			result.Result = info
			result.HasResult = true
			if info.Result != "" {
				result.Text += "\n[Result: " + info.Result + "]"
			}
		}
	})

	for path := range modified {
		result.FilesModified = append(result.FilesModified, path)
	}
	sort.Strings(result.FilesModified)

	if err != nil {
		var timeoutErr *ErrPhaseTimeout
		if errors.As(err, &timeoutErr) {
			result.TimedOut = true
			result.Text = fmt.Sprintf("[Phase failed: timed out after %ds]", int(timeoutErr.Timeout.Seconds()))
			return result, err
		}
		return result, err
	}

	// Success of the phase = !is_error, independent of how the stream
	// itself completed.
	if result.HasResult && result.Result.IsError {
		return result, &ErrPhaseFailed{Result: result.Result.Result}
	}
	return result, nil
}

func truncatePreview(s string, limit int) string {
	s = strings.TrimSpace(s)
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}

func extractJSONField(rawArgs string, field string) string {
	if rawArgs == "" {
		return ""
	}
	var decoded map[string]any
	if err := json.Unmarshal([]byte(rawArgs), &decoded); err != nil {
		return ""
	}
	if v, ok := decoded[field].(string); ok {
		return v
	}
	return ""
}
