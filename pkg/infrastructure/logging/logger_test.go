package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLogLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"debug":   DebugLevel,
		"INFO":    InfoLevel,
		"warning": WarnLevel,
		"error":   ErrorLevel,
	}
	for in, want := range tests {
		got, err := ParseLogLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}

	_, err := ParseLogLevel("verbose")
	assert.Error(t, err)
}

func TestJSONOutput(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: DebugLevel, Format: JSONFormat, Output: &buf, Component: "executor"})

	logger.Info("operation finished", map[string]interface{}{"path": "/a/b.txt", "attempt": 2})
	require.NoError(t, logger.Sync())

	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, "operation finished", entry["msg"])
	assert.Equal(t, "executor", entry["component"])
	assert.Equal(t, "/a/b.txt", entry["path"])
	assert.EqualValues(t, 2, entry["attempt"])
}

func TestLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&Config{Level: WarnLevel, Output: &buf})

	logger.Debug("hidden")
	logger.Info("hidden too")
	logger.Warn("shown")

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, "shown")

	logger.SetLevel(DebugLevel)
	assert.True(t, logger.IsEnabled(DebugLevel))
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestObservedFields(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewFromZap(core).WithComponent("manager")

	logger.Warn("event dropped", map[string]interface{}{"path": "/x"}, map[string]interface{}{"state": "LocalCreate"})
	logger.Error("upload failed", map[string]interface{}{"error": errors.New("boom")})

	entries := logs.All()
	require.Len(t, entries, 2)

	first := entries[0].ContextMap()
	assert.Equal(t, "manager", first["component"])
	assert.Equal(t, "/x", first["path"])
	assert.Equal(t, "LocalCreate", first["state"])
	assert.Equal(t, zapcore.WarnLevel, entries[0].Level)

	second := entries[1].ContextMap()
	assert.Equal(t, "boom", second["error"])
}

func TestMergedFieldMaps(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	logger := NewFromZap(core)

	logger.Info("merged", map[string]interface{}{"a": 1}, map[string]interface{}{"b": 2})

	fields := logs.All()[0].ContextMap()
	assert.EqualValues(t, 1, fields["a"])
	assert.EqualValues(t, 2, fields["b"])
}

func TestGlobalLogger(t *testing.T) {
	var buf bytes.Buffer
	InitGlobalLogger(&Config{Level: InfoLevel, Output: &buf})

	GetGlobalLogger().Info("from global")
	assert.True(t, strings.Contains(buf.String(), "from global"))
}

func TestNopLogger(t *testing.T) {
	logger := Nop()
	assert.NotPanics(t, func() {
		logger.Error("ignored", map[string]interface{}{"k": "v"})
		logger.WithComponent("executor").Info("ignored")
	})
}
