// Package logging tests for structured JSON logging.
package logging

import (
	"bufio"
	"bytes"
	"encoding/json"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	sc := bufio.NewScanner(buf)
	for sc.Scan() {
		var entry map[string]interface{}
		require.NoError(t, json.Unmarshal(sc.Bytes(), &entry), "output is not JSON: %s", sc.Text())
		out = append(out, entry)
	}
	return out
}

// =====================================================
// Level Parsing Tests
// =====================================================

func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   LevelDebug,
		"WARN":    LevelWarn,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), "ParseLevel(%q)", in)
	}
}

// =====================================================
// Logger Output Tests
// =====================================================

func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("cycle finished", map[string]interface{}{"attempted": 3})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "info", lines[0]["level"])
	assert.Equal(t, "cycle finished", lines[0]["message"])
	assert.EqualValues(t, 3, lines[0]["attempted"])
	assert.NotEmpty(t, lines[0]["timestamp"])
}

func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Error("attempt failed", io.ErrUnexpectedEOF, map[string]interface{}{"action_id": "a1"})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "error", lines[0]["level"])
	assert.Equal(t, io.ErrUnexpectedEOF.Error(), lines[0]["error"])
	assert.Equal(t, "a1", lines[0]["action_id"])
}

func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.ErrorWithCode("store degraded", "STORAGE_UNAVAILABLE", io.ErrClosedPipe, map[string]interface{}{"path": "/tmp/x"})
	logger.ErrorWithCode("no context", "ERR001", io.ErrUnexpectedEOF)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "STORAGE_UNAVAILABLE", lines[0]["error_code"])
	assert.Equal(t, "/tmp/x", lines[0]["path"])
	assert.Equal(t, "ERR001", lines[1]["error_code"])
}

func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug message")
	logger.Info("info message")
	logger.Warn("warn message")
	logger.Error("error message", nil)

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 2)
	assert.Equal(t, "warn message", lines[0]["message"])
	assert.Equal(t, "error message", lines[1]["message"])
}

func TestLogger_With(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelDebug).With(map[string]interface{}{"component": "scheduler"})

	logger.Debug("tick", map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "scheduler", lines[0]["component"])
	assert.EqualValues(t, 1, lines[0]["a"])
	assert.EqualValues(t, 2, lines[0]["b"])
}

func TestGet_default(t *testing.T) {
	require.NotNil(t, Get())
	require.NotNil(t, Component("queue"))
}
