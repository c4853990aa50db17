package logger

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestGet_FallsBackToNop(t *testing.T) {
	globalLogger.Store(nil)
	assert.NotPanics(t, func() { Get().Info("noop") })
}

func TestWithContext_AddsIDs(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	Set(zap.New(core))
	t.Cleanup(func() { globalLogger.Store(nil) })

	ctx := WithRequestID(WithTraceID(context.Background(), "trace-1"), "req-1")
	WithContext(ctx).Info("hello")

	require.Equal(t, 1, logs.Len())
	fields := logs.All()[0].ContextMap()
	assert.Equal(t, "trace-1", fields["trace_id"])
	assert.Equal(t, "req-1", fields["request_id"])
}

func TestInit_FileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, Init("debug", "json", path))
	t.Cleanup(func() { globalLogger.Store(nil) })

	Info("written", zap.String("k", "v"))
	require.NoError(t, Sync())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"msg":"written"`)
}
