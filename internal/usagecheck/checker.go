package usagecheck

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/creack/pty"
)

const (
	cacheDuration  = 60 * time.Second
	readTimeout    = 5 * time.Second
	terminateGrace = 300 * time.Millisecond
)

// sentinels are substrings that show up once the usage CLI has finished
// rendering its status screen, letting the read loop return as soon as
// the information we need is on screen instead of waiting out the full
// readTimeout.
var sentinels = []string{"% used", "resets"}

func hasSentinel(s string) bool {
	lower := strings.ToLower(s)
	for _, sentinel := range sentinels {
		if strings.Contains(lower, sentinel) {
			return true
		}
	}
	return false
}

// Checker runs a CLI command that reports Pro plan usage (by default
// "claude /usage") inside a pseudo-terminal so the CLI renders its
// normal interactive output, parses that output, and caches the result
// for cacheDuration so frequent scheduler polling stays cheap.
//
// A PTY is required here, unlike the rest of this daemon's subprocess
// invocations, because the usage CLI only renders its status screen
// when it believes it is attached to a terminal.
type Checker struct {
	command string
	logger  *slog.Logger

	mu        sync.Mutex
	cached    *Usage
	cachedAt  time.Time
}

// New constructs a Checker that runs command (e.g. "claude /usage")
// through a PTY whenever its cache is stale.
func New(command string, logger *slog.Logger) *Checker {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(command) == "" {
		command = "claude /usage"
	}
	return &Checker{command: command, logger: logger}
}

// GetUsage returns the current usage, using the 60-second cache when
// fresh. On any failure it falls back to the last cached value, or a
// conservative default (0/40, 5-hour reset) if nothing has ever
// succeeded, matching the never-block-the-scheduler contract required
// by the caller.
func (c *Checker) GetUsage(ctx context.Context) (Usage, error) {
	c.mu.Lock()
	if c.cached != nil && time.Since(c.cachedAt) < cacheDuration {
		u := *c.cached
		c.mu.Unlock()
		return u, nil
	}
	c.mu.Unlock()

	output, err := c.runViaPTY(ctx)
	if err != nil {
		c.logger.Warn("usagecheck: command failed, using fallback", "error", err)
		return c.fallbackUsage(), nil
	}

	output = strings.TrimSpace(stripANSI(output))
	if output == "" {
		c.logger.Warn("usagecheck: command returned no output, using fallback")
		return c.fallbackUsage(), nil
	}

	usage, ok := parseUsageOutput(output, time.Now())
	if !ok {
		c.logger.Warn("usagecheck: could not parse usage output", "output", truncateForLog(output, 160))
		return c.fallbackUsage(), nil
	}

	c.mu.Lock()
	c.cached = &usage
	c.cachedAt = time.Now()
	c.mu.Unlock()

	c.logger.Info("usagecheck: usage", "used", usage.MessagesUsed, "limit", usage.MessagesLimit,
		"percent", usage.PercentUsed(), "reset_at", usage.ResetTime.Format(time.RFC3339))
	return usage, nil
}

// fallbackUsage returns the last successfully cached reading, or a
// conservative default if the checker has never succeeded. It never
// returns an error: a failing usage check must never itself pause the
// scheduler.
func (c *Checker) fallbackUsage() Usage {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cached != nil {
		return *c.cached
	}
	fallback := Usage{MessagesUsed: 0, MessagesLimit: proPlanMessageLimit, ResetTime: time.Now().Add(5 * time.Hour)}
	c.cached = &fallback
	c.cachedAt = time.Now()
	return fallback
}

// runViaPTY spawns the configured command attached to a pseudo
// terminal and reads its output for up to readTimeout, returning as
// soon as a usage sentinel ("% used", "resets") appears in the
// buffered output instead of waiting out the whole window. Once the
// read loop ends it escalates termination: ESC keystroke, then SIGINT,
// SIGTERM, SIGKILL.
func (c *Checker) runViaPTY(ctx context.Context) (string, error) {
	parts := strings.Fields(c.command)
	if len(parts) == 0 {
		return "", fmt.Errorf("usagecheck: empty command")
	}

	runCtx, cancel := context.WithTimeout(ctx, readTimeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, parts[0], parts[1:]...)
	cmd.Env = os.Environ()

	f, err := pty.Start(cmd)
	if err != nil {
		return "", fmt.Errorf("usagecheck: start pty: %w", err)
	}
	defer f.Close()

	type readResult struct {
		chunk []byte
		err   error
	}
	reads := make(chan readResult, 1)
	go func() {
		for {
			chunk := make([]byte, 4096)
			n, readErr := f.Read(chunk)
			if n > 0 {
				reads <- readResult{chunk: chunk[:n]}
			}
			if readErr != nil {
				reads <- readResult{err: readErr}
				return
			}
		}
	}()

	var buf strings.Builder
readLoop:
	for {
		select {
		case r := <-reads:
			if len(r.chunk) > 0 {
				buf.Write(r.chunk)
				if hasSentinel(buf.String()) {
					break readLoop
				}
			}
			if r.err != nil {
				break readLoop
			}
		case <-runCtx.Done():
			break readLoop
		}
	}

	c.terminate(f, cmd)
	_ = cmd.Wait()

	return buf.String(), nil
}

// terminate escalates: ESC keystroke written to the pty, then SIGINT,
// SIGTERM, SIGKILL, each given a short grace period, stopping as soon
// as the process exits.
func (c *Checker) terminate(f *os.File, cmd *exec.Cmd) {
	if cmd.Process == nil {
		return
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()
	defer func() { <-done }()
	exited := func() bool {
		select {
		case <-done:
			return true
		default:
			return false
		}
	}
	if !exited() {
		_, _ = f.Write([]byte{0x1b})
		time.Sleep(terminateGrace)
	}

	signals := []os.Signal{syscall.SIGINT, syscall.SIGTERM, syscall.SIGKILL}
	for _, sig := range signals {
		if exited() {
			return
		}
		_ = cmd.Process.Signal(sig)
		time.Sleep(terminateGrace)
	}
}

func truncateForLog(s string, n int) string {
	s = strings.Join(strings.Fields(s), " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
