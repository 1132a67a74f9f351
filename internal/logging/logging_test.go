package logging

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStructuredLogger(t *testing.T) {
	t.Run("json output", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewStructuredLogger(&buf, slog.LevelInfo, "json")
		logger.Info("test message", slog.String("component", "test"), slog.Int("count", 42))

		out := buf.String()
		assert.Contains(t, out, `"level":"INFO"`)
		assert.Contains(t, out, `"msg":"test message"`)
		assert.Contains(t, out, `"count":42`)
	})

	t.Run("text output", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewStructuredLogger(&buf, slog.LevelInfo, "text")
		logger.Info("hello", slog.String("k", "v"))
		assert.Contains(t, buf.String(), "msg=hello k=v")
	})

	t.Run("respects level", func(t *testing.T) {
		var buf bytes.Buffer
		logger := NewStructuredLogger(&buf, slog.LevelWarn, "json")
		logger.Info("info message")
		logger.Warn("warning message")
		assert.NotContains(t, buf.String(), "info message")
		assert.Contains(t, buf.String(), "warning message")
	})
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]slog.Level{
		"debug": slog.LevelDebug, "INFO": slog.LevelInfo, "warn": slog.LevelWarn, "error": slog.LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("loud")
	assert.Error(t, err)
}

func TestLogHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelDebug, "json")

	LogError(logger, "fetch failed", errors.New("boom"), slog.String("source", "sheets"))
	assert.Contains(t, buf.String(), `"level":"ERROR"`)
	assert.Contains(t, buf.String(), `"error":"boom"`)
	assert.Contains(t, buf.String(), `"source":"sheets"`)

	buf.Reset()
	LogWarn(logger, "retrying", errors.New("timeout"))
	assert.Contains(t, buf.String(), `"level":"WARN"`)

	buf.Reset()
	LogOperation(logger, "refreshed", slog.Duration("took", 0), slog.Int("version", 3))
	assert.NotContains(t, buf.String(), "took")
	assert.Contains(t, buf.String(), `"version":3`)

	buf.Reset()
	LogOperation(logger, "refreshed", slog.Duration("took", time.Second))
	assert.Contains(t, buf.String(), "took")

	buf.Reset()
	LogHTTPRequest(logger, "GET", "/healthz", 200, 1.5)
	assert.Contains(t, buf.String(), `"path":"/healthz"`)

	// nil loggers are ignored
	LogError(nil, "x", errors.New("y"))
	LogOperation(nil, "x")
}

func TestContextLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo, "json")
	ctx := WithLogger(context.Background(), logger)
	assert.Same(t, logger, FromContext(ctx))
	assert.Same(t, slog.Default(), FromContext(context.Background()))
}

type failingCloser struct{}

func (failingCloser) Close() error { return errors.New("close failed") }

func TestSafeCloseWithLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := NewStructuredLogger(&buf, slog.LevelInfo, "json")
	SafeCloseWithLogging(failingCloser{}, logger, "nats")
	assert.Contains(t, buf.String(), "close failed")
	assert.Contains(t, buf.String(), `"operation":"nats"`)
	SafeCloseWithLogging(nil, logger, "noop")
}
