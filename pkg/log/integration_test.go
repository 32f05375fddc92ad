package log

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTestLoggerCapturesLevelsAndFields(t *testing.T) {
	testLogger, buffer := NewTestLogger(LevelDebug)

	testLogger.Debug("debug message", "key1", "value1", "number", 42)
	testLogger.Info("info message", PhaseKey, PhaseTraining)
	testLogger.Warn("warning message")
	testLogger.Error("error message", errors.New("boom"), StageKey, "Training Stage")

	require.NotEmpty(t, buffer.String())
	assert.Equal(t, []string{"debug message", "info message", "warning message", "error message"}, testLogger.Messages())
	assert.True(t, testLogger.ContainsField("key1", "value1"))
	assert.True(t, testLogger.ContainsField("number", 42.0))
	assert.True(t, testLogger.ContainsField(ErrAttrKey, "boom"))
	assert.True(t, testLogger.ContainsField(StageKey, "Training Stage"))
}

func TestTestLoggerWithSharesBuffer(t *testing.T) {
	testLogger, _ := NewTestLogger(LevelDebug)

	stageLogger := testLogger.With(StageKey, "Evaluation Stage")
	stageLogger.Info("scores saved", LossKey, 0.25)

	assert.True(t, testLogger.ContainsField(StageKey, "Evaluation Stage"))
	assert.True(t, testLogger.ContainsField(LossKey, 0.25))
}

func TestTestLoggerLevelFiltering(t *testing.T) {
	testLogger, _ := NewTestLogger(LevelWarn)
	ctx := context.Background()

	testLogger.Info("dropped")
	testLogger.Warn("kept")

	assert.False(t, testLogger.Enabled(ctx, LevelInfo))
	assert.True(t, testLogger.Enabled(ctx, LevelError))
	assert.Equal(t, []string{"kept"}, testLogger.Messages())

	testLogger.Clear()
	assert.Empty(t, testLogger.Messages())
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		in      string
		want    Level
		wantErr bool
	}{
		{in: "debug", want: LevelDebug},
		{in: "INFO", want: LevelInfo},
		{in: "", want: LevelInfo},
		{in: "warn", want: LevelWarn},
		{in: "error", want: LevelError},
		{in: "verbose", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseLevel(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSetupLoggerEmitsStacktrace(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, SetupLogger(&out, "info"))
	defer SetLogger(nil)

	GetLogger().Error("stage failed", errors.New("disk full"), StageKey, "Base Model Stage")

	line := strings.TrimSpace(out.String())
	var entry map[string]interface{}
	require.NoError(t, json.Unmarshal([]byte(line), &entry))

	assert.Equal(t, "ERROR", entry["severity"])
	assert.Equal(t, "stage failed", entry["message"])
	assert.Equal(t, "Base Model Stage", entry[StageKey])
	assert.Contains(t, entry[StacktraceAttrKey], "integration_test.go")
}

func TestSetupLoggerRejectsUnknownLevel(t *testing.T) {
	assert.Error(t, SetupLogger(&bytes.Buffer{}, "loud"))
}
