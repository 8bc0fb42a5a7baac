package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func newBufferLogger(buf *bytes.Buffer) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(buf, nil)), component: "test"}
}

func TestWithContext(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)

	ctx := context.WithValue(context.Background(), TenantIDKey, "t1")
	ctx = context.WithValue(ctx, JobKey, "sync_instance_info")
	l.WithContext(ctx).Info("hello")

	assert.Contains(t, buf.String(), `"tenant_id":"t1"`)
	assert.Contains(t, buf.String(), `"job":"sync_instance_info"`)
}

func TestWithContextEmpty(t *testing.T) {
	var buf bytes.Buffer
	l := newBufferLogger(&buf)
	assert.Same(t, l, l.WithContext(context.Background()))
}

func TestJobLog(t *testing.T) {
	var buf bytes.Buffer
	newBufferLogger(&buf).WithError(assert.AnError).JobLog("expire_instances", "finish", "result", "error")

	out := buf.String()
	assert.Contains(t, out, `"phase":"finish"`)
	assert.Contains(t, out, `"result":"error"`)
	assert.Contains(t, out, assert.AnError.Error())
}

func TestNewLevels(t *testing.T) {
	l := New(Config{Level: "warn", Output: "stderr", Component: "x"})
	assert.False(t, l.Enabled(context.Background(), slog.LevelInfo))
	assert.True(t, l.Enabled(context.Background(), slog.LevelWarn))
}
