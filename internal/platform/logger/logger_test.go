package logger

import (
	"context"
	"log/slog"
	"testing"

	"github.com/phrazzld/conjure-api/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		want  slog.Level
		known bool
	}{
		{"debug", slog.LevelDebug, true},
		{"INFO", slog.LevelInfo, true},
		{" warn ", slog.LevelWarn, true},
		{"error", slog.LevelError, true},
		{"verbose", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
	}
	for _, tc := range tests {
		got, ok := ParseLevel(tc.name)
		assert.Equal(t, tc.want, got, tc.name)
		assert.Equal(t, tc.known, ok, tc.name)
	}
}

func TestSetupFiltersByLevel(t *testing.T) {
	original := slog.Default()
	t.Cleanup(func() { slog.SetDefault(original) })

	buf := &TestLogBuffer{}
	logger := setup(config.ServerConfig{LogLevel: "warn"}, buf)

	logger.Info("dropped")
	logger.Warn("kept", "task_id", "t-1")

	entries, err := buf.GetLogEntries()
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "kept", entries[0]["msg"])
	assert.Equal(t, "t-1", entries[0]["task_id"])
	assert.Same(t, logger, slog.Default())
}

func TestContextLogger(t *testing.T) {
	t.Parallel()

	assert.Nil(t, FromContext(context.Background()))

	fallback, fallbackBuf := GetTestLogger(t)
	ctx := WithRequestID(context.Background(), "req-42")
	FromContextOrDefault(ctx, fallback).Info("no logger in context")
	AssertLogContains(t, fallbackBuf, `"request_id":"req-42"`)

	ctx, buf := NewLogCaptureContext(t)
	assert.NotNil(t, FromContext(ctx))
	FromContextOrDefault(ctx, fallback).Info("from context")
	AssertLogContains(t, buf, "from context")
	assert.NotContains(t, fallbackBuf.String(), "from context")

	assert.Equal(t, "", RequestIDFromContext(context.Background()))
}
