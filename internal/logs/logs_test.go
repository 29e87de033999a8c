package logs

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJSONLogger(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger(&buf, slog.LevelInfo, JSONFormat).WithFields(map[string]interface{}{"component": "engine"})

	l.Debug(context.Background(), "hidden")
	l.Info(context.Background(), "workflow started", "workflow.id", "wf-1")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &entry))
	assert.Equal(t, "workflow started", entry["msg"])
	assert.Equal(t, "wf-1", entry["workflow.id"])
	assert.Equal(t, "engine", entry["component"])
}

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, ParseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, ParseLevel("warning"))
	assert.Equal(t, slog.LevelError, ParseLevel("error"))
	assert.Equal(t, slog.LevelInfo, ParseLevel(""))
}

func TestNop(t *testing.T) {
	l := Nop()
	l.Error(context.Background(), "ignored", "k", "v")
	assert.NotNil(t, l.WithFields(nil))
}
