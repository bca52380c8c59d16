package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestContextKeys(t *testing.T) {
	ctx := context.Background()

	assert.Equal(t, "", ExecutionID(ctx))
	assert.Equal(t, "", Node(ctx))
	assert.Equal(t, "", Ensemble(ctx))

	ctx = WithIDs(ctx, "exec-123", "expense-approval")
	ctx = WithNode(ctx, "review.then.approve")

	assert.Equal(t, "exec-123", ExecutionID(ctx))
	assert.Equal(t, "review.then.approve", Node(ctx))
	assert.Equal(t, "expense-approval", Ensemble(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithNode(WithIDs(context.Background(), "exec-abc", "billing"), "charge")
	LogWith(ctx, logger).Info("test message")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-abc")
	assert.Contains(t, output, "ensemble=billing")
	assert.Contains(t, output, "node=charge")
	assert.Contains(t, output, "test message")
}

func TestLogWithMissingKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := WithExecutionID(context.Background(), "exec-only")
	LogWith(ctx, logger).Info("partial")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-only")
	assert.NotContains(t, output, "node=")
	assert.NotContains(t, output, "ensemble=")
}

func TestCorrelationHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, "debug")

	ctx := WithNode(WithExecutionID(context.Background(), "exec-1"), "fetch")
	logger.InfoContext(ctx, "node started")
	logger.DebugContext(context.Background(), "no ids")

	output := buf.String()
	assert.Contains(t, output, "execution_id=exec-1")
	assert.Contains(t, output, "node=fetch")
	assert.Contains(t, output, "no ids")
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in   string
		want slog.Level
	}{
		{"debug", slog.LevelDebug},
		{"INFO", slog.LevelInfo},
		{"warn", slog.LevelWarn},
		{"warning", slog.LevelWarn},
		{"error", slog.LevelError},
		{"", slog.LevelInfo},
		{"verbose", slog.LevelInfo},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			assert.Equal(t, tt.want, ParseLevel(tt.in))
		})
	}
}

func TestDiscardDropsRecords(t *testing.T) {
	logger := Discard()
	assert.False(t, logger.Enabled(context.Background(), slog.LevelError))
}
