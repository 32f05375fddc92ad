// Package log provides testing utilities for structured logging.
//
// TestLogger captures every record as a JSON line so tests can assert on the
// stage markers and structured fields a component emits.

package log

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
)

// TestLogger is a logger implementation designed for testing.
// Loggers derived through With share the parent's buffer.
type TestLogger struct {
	mu     *sync.Mutex
	buffer *bytes.Buffer
	level  Level
	fields map[string]interface{}
}

// NewTestLogger creates a new TestLogger with the specified minimum level.
//
//	logger, buffer := log.NewTestLogger(log.LevelDebug)
//	logger.Info("test message", "key", "value")
//	output := buffer.String()
func NewTestLogger(level Level) (*TestLogger, *bytes.Buffer) {
	buffer := &bytes.Buffer{}
	return &TestLogger{
		mu:     &sync.Mutex{},
		buffer: buffer,
		level:  level,
		fields: make(map[string]interface{}),
	}, buffer
}

// Debug implements Logger.Debug.
func (t *TestLogger) Debug(msg string, fields ...any) { t.log(LevelDebug, msg, fields...) }

// Info implements Logger.Info.
func (t *TestLogger) Info(msg string, fields ...any) { t.log(LevelInfo, msg, fields...) }

// Warn implements Logger.Warn.
func (t *TestLogger) Warn(msg string, fields ...any) { t.log(LevelWarn, msg, fields...) }

// Error implements Logger.Error.
func (t *TestLogger) Error(msg string, fields ...any) { t.log(LevelError, msg, fields...) }

// With implements Logger.With.
func (t *TestLogger) With(fields ...any) Logger {
	newFields := make(map[string]interface{}, len(t.fields))
	for k, v := range t.fields {
		newFields[k] = v
	}
	addFields(newFields, normalize(fields))

	return &TestLogger{
		mu:     t.mu,
		buffer: t.buffer,
		level:  t.level,
		fields: newFields,
	}
}

// Enabled implements Logger.Enabled.
func (t *TestLogger) Enabled(ctx context.Context, level Level) bool {
	return t.level <= level
}

func (t *TestLogger) log(level Level, msg string, fields ...any) {
	if level < t.level {
		return
	}
	entry := map[string]interface{}{
		"level":   level.String(),
		"message": msg,
	}
	for k, v := range t.fields {
		entry[k] = v
	}
	addFields(entry, normalize(fields))

	jsonData, _ := json.Marshal(entry)
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffer.Write(jsonData)
	t.buffer.WriteByte('\n')
}

func addFields(dst map[string]interface{}, fields []any) {
	for i := 0; i < len(fields); i++ {
		if attr, ok := fields[i].(slog.Attr); ok {
			dst[attr.Key] = plain(attr.Value.Any())
			continue
		}
		if i+1 >= len(fields) {
			break
		}
		dst[fmt.Sprintf("%v", fields[i])] = plain(fields[i+1])
		i++
	}
}

func plain(v any) any {
	if err, ok := v.(error); ok {
		return err.Error()
	}
	return v
}

// GetLogEntries parses the captured output into structured entries.
func (t *TestLogger) GetLogEntries() ([]map[string]interface{}, error) {
	t.mu.Lock()
	raw := t.buffer.String()
	t.mu.Unlock()

	var entries []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(raw), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]interface{}
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// Messages returns the message of every captured entry in order.
func (t *TestLogger) Messages() []string {
	entries, err := t.GetLogEntries()
	if err != nil {
		return nil
	}
	out := make([]string, 0, len(entries))
	for _, e := range entries {
		if m, ok := e["message"].(string); ok {
			out = append(out, m)
		}
	}
	return out
}

// ContainsMessage reports whether any captured entry contains message.
func (t *TestLogger) ContainsMessage(message string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.Contains(t.buffer.String(), message)
}

// ContainsField reports whether any captured entry has key set to value.
// Numbers round-trip through JSON, so compare against float64.
func (t *TestLogger) ContainsField(key string, value interface{}) bool {
	entries, err := t.GetLogEntries()
	if err != nil {
		return false
	}
	for _, entry := range entries {
		if fieldValue, exists := entry[key]; exists && fieldValue == value {
			return true
		}
	}
	return false
}

// Clear clears all captured log content.
func (t *TestLogger) Clear() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffer.Reset()
}
