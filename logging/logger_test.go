package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func jsonLogger(level LogLevel) (*TaskMeshLogger, *bytes.Buffer) {
	var buf bytes.Buffer
	l := NewLogger(&LoggerConfig{Level: level, Format: "json", Output: &buf})
	return l, &buf
}

func lastEntry(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLogArgsAreKeyValuePairs(t *testing.T) {
	l, buf := jsonLogger(LogLevelInfo)

	l.Info("scheduler.execution.finished", "execution", "exec-1", "completed", 3)

	entry := lastEntry(t, buf)
	assert.Equal(t, "scheduler.execution.finished", entry["msg"])
	assert.Equal(t, "exec-1", entry["execution"])
	assert.Equal(t, float64(3), entry["completed"])
}

func TestLogMessageWithPercentIsNotFormatted(t *testing.T) {
	l, buf := jsonLogger(LogLevelInfo)

	l.Info("progress 50% done", "execution", "exec-1")

	entry := lastEntry(t, buf)
	assert.Equal(t, "progress 50% done", entry["msg"])
	assert.NotContains(t, entry["msg"], "EXTRA")
}

func TestLogDanglingKey(t *testing.T) {
	l, buf := jsonLogger(LogLevelInfo)

	l.Warn("odd args", "execution")

	entry := lastEntry(t, buf)
	assert.Equal(t, "odd args", entry["msg"])
	assert.Equal(t, "execution", entry["!BADKEY"])
}

func TestLogCarriesContextualAttrs(t *testing.T) {
	l, buf := jsonLogger(LogLevelInfo)

	l.WithComponent("scheduler").WithExecution("exec-1").Info("started", "total", 4)

	entry := lastEntry(t, buf)
	assert.Equal(t, "scheduler", entry["component"])
	assert.Equal(t, "exec-1", entry["execution_id"])
	assert.Equal(t, float64(4), entry["total"])
}

func TestLogRespectsLevel(t *testing.T) {
	l, buf := jsonLogger(LogLevelWarn)

	l.Info("suppressed")
	assert.Zero(t, buf.Len())

	l.Error("kept", "reason", "boom")
	assert.Contains(t, buf.String(), "kept")
}
