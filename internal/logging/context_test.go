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
	assert.Equal(t, "", NodeID(ctx))
	assert.Equal(t, "", UserID(ctx))

	ctx = WithExecutionID(ctx, "ex-123")
	ctx = WithNodeID(ctx, "fetch")
	ctx = WithUserID(ctx, "trader-42")

	assert.Equal(t, "ex-123", ExecutionID(ctx))
	assert.Equal(t, "fetch", NodeID(ctx))
	assert.Equal(t, "trader-42", UserID(ctx))
}

func TestLogWith(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	ctx := context.Background()
	ctx = WithExecutionID(ctx, "ex-abc")
	ctx = WithNodeID(ctx, "analyze")

	LogWith(ctx, logger).Info("test message")

	out := buf.String()
	assert.Contains(t, out, "execution_id=ex-abc")
	assert.Contains(t, out, "node_id=analyze")
	assert.NotContains(t, out, "user_id")
}

func TestCorrelationHandlerInjectsIDs(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	ctx := WithExecutionID(context.Background(), "ex-xyz")
	logger.InfoContext(ctx, "node started")

	out := buf.String()
	assert.Contains(t, out, "execution_id=ex-xyz")
}

func TestCorrelationHandlerPlainContext(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(NewCorrelationHandler(slog.NewTextHandler(&buf, nil)))

	logger.InfoContext(context.Background(), "no ids")
	assert.NotContains(t, buf.String(), "execution_id")
}
