package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	require.Equal(t, slog.LevelDebug, ParseLevel("debug"))
	require.Equal(t, slog.LevelWarn, ParseLevel("WARN"))
	require.Equal(t, slog.LevelError, ParseLevel("error"))
	require.Equal(t, slog.LevelInfo, ParseLevel(""))
	require.Equal(t, slog.LevelInfo, ParseLevel("bogus"))
}

func TestNewWritesJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "info")
	logger.Info("hello", "key", "value")
	require.True(t, strings.Contains(buf.String(), `"msg":"hello"`))
	require.True(t, strings.Contains(buf.String(), `"key":"value"`))
}

func TestNewRespectsLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "warn")
	logger.Info("should be suppressed")
	require.Empty(t, buf.String())
	logger.Warn("should appear")
	require.NotEmpty(t, buf.String())
}
