package log

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"github.com/cockroachdb/errors"
)

const (
	ErrAttrKey        = "error"
	StacktraceAttrKey = "stacktrace"
)

// ErrAttr is a wrapper to pass err to slog.
func ErrAttr(err error) slog.Attr {
	return slog.Any(ErrAttrKey, err)
}

// SetupLogger installs a JSON slog handler writing to w as the process default.
// Level names are "debug", "info", "warn" and "error".
func SetupLogger(w io.Writer, loglevel string) error {
	level, err := ParseLevel(loglevel)
	if err != nil {
		return err
	}
	if w == nil {
		w = os.Stdout
	}
	ops := slog.HandlerOptions{
		AddSource: true,
		Level:     slog.Level(level),
		// Replace attributes to convert to CloudLogging format.
		ReplaceAttr: func(groups []string, attr slog.Attr) slog.Attr {
			switch attr.Key {
			case slog.LevelKey:
				attr = slog.Attr{Key: "severity", Value: attr.Value}
			case slog.MessageKey:
				attr = slog.Attr{Key: "message", Value: attr.Value}
			case slog.SourceKey:
				attr = slog.Attr{Key: "logging.googleapis.com/sourceLocation", Value: attr.Value}
			}
			return attr
		},
	}
	handler := WrapByErrFmtHandler(slog.NewJSONHandler(w, &ops))
	slog.SetDefault(slog.New(handler))
	SetLogger(New(handler))
	return nil
}

// ParseLevel converts a level name into a Level.
func ParseLevel(level string) (Level, error) {
	switch strings.ToLower(level) {
	case "debug":
		return LevelDebug, nil
	case "info", "":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return LevelInfo, fmt.Errorf("invalid log level: %s", level)
	}
}

// ErrFmtHandler is a slog handler to format stacktrace from cockroachdb/errors.
type ErrFmtHandler struct {
	handler slog.Handler
}

// WrapByErrFmtHandler wraps handler so that records carrying an error
// attribute also carry a stacktrace attribute.
func WrapByErrFmtHandler(handler slog.Handler) slog.Handler {
	return &ErrFmtHandler{handler: handler}
}

func (eh *ErrFmtHandler) Enabled(ctx context.Context, l slog.Level) bool {
	return eh.handler.Enabled(ctx, l)
}

func (eh *ErrFmtHandler) Handle(ctx context.Context, r slog.Record) error {
	var stacktrace string
	r.Attrs(func(attr slog.Attr) bool {
		if attr.Key == ErrAttrKey {
			if err, ok := attr.Value.Any().(error); ok {
				stacktrace = extractStacktrace(err)
			}
			return false
		}
		return true
	})
	if stacktrace != "" {
		r.AddAttrs(slog.String(StacktraceAttrKey, stacktrace))
	}
	return eh.handler.Handle(ctx, r)
}

func (eh *ErrFmtHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &ErrFmtHandler{handler: eh.handler.WithAttrs(attrs)}
}

func (eh *ErrFmtHandler) WithGroup(g string) slog.Handler {
	return &ErrFmtHandler{handler: eh.handler.WithGroup(g)}
}

func extractStacktrace(err error) string {
	safeDetails := errors.GetSafeDetails(err).SafeDetails
	if len(safeDetails) > 0 {
		return safeDetails[0]
	}
	return ""
}

// slogLogger adapts *slog.Logger to Logger.
type slogLogger struct {
	l *slog.Logger
}

// New returns a Logger backed by the given slog handler.
func New(h slog.Handler) Logger {
	return &slogLogger{l: slog.New(h)}
}

func (s *slogLogger) Debug(msg string, fields ...any) { s.l.Debug(msg, normalize(fields)...) }
func (s *slogLogger) Info(msg string, fields ...any)  { s.l.Info(msg, normalize(fields)...) }
func (s *slogLogger) Warn(msg string, fields ...any)  { s.l.Warn(msg, normalize(fields)...) }
func (s *slogLogger) Error(msg string, fields ...any) { s.l.Error(msg, normalize(fields)...) }

func (s *slogLogger) With(fields ...any) Logger {
	return &slogLogger{l: s.l.With(normalize(fields)...)}
}

func (s *slogLogger) Enabled(ctx context.Context, level Level) bool {
	return s.l.Enabled(ctx, slog.Level(level))
}

// normalize turns a leading bare error into an error attribute so that
// Error("msg", err, k, v) works the same as Error("msg", ErrAttr(err), k, v).
func normalize(fields []any) []any {
	if len(fields) == 0 {
		return fields
	}
	if err, ok := fields[0].(error); ok {
		out := make([]any, 0, len(fields))
		out = append(out, ErrAttr(err))
		return append(out, fields[1:]...)
	}
	return fields
}

var (
	defaultMu     sync.RWMutex
	defaultLogger Logger
)

// GetLogger returns the process-wide logger. Before SetupLogger is called it
// writes through slog.Default().
func GetLogger() Logger {
	defaultMu.RLock()
	defer defaultMu.RUnlock()
	if defaultLogger == nil {
		return &slogLogger{l: slog.Default()}
	}
	return defaultLogger
}

// SetLogger replaces the process-wide logger.
func SetLogger(l Logger) {
	defaultMu.Lock()
	defer defaultMu.Unlock()
	defaultLogger = l
}
