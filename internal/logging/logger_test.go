package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestNew_JSON(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("info", "json", &buf)
	require.NoError(t, err)

	log.Debug("hidden")
	log.Info("task claimed", zap.String("task_id", "t1"))
	require.NoError(t, log.Sync())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry), "exactly one JSON line expected: %s", buf.String())
	assert.Equal(t, "task claimed", entry["msg"])
	assert.Equal(t, "t1", entry["task_id"])
	assert.Equal(t, "info", entry["level"])
	assert.Contains(t, entry, "ts")
}

func TestNew_Console(t *testing.T) {
	var buf bytes.Buffer
	log, err := NewWithWriter("debug", "console", &buf)
	require.NoError(t, err)
	log.Debug("poll")
	assert.Contains(t, buf.String(), "poll")
}

func TestNew_Invalid(t *testing.T) {
	_, err := NewWithWriter("loud", "json", &bytes.Buffer{})
	assert.Error(t, err)
	_, err = NewWithWriter("info", "xml", &bytes.Buffer{})
	assert.Error(t, err)
}
