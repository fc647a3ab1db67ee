// Package obslog provides the runtime's level-filtered structured logger.
// Every message and attached payload passes through the secret redactor
// before reaching an injectable sink; backends (text, JSON, OpenTelemetry)
// plug in as sinks rather than as separate logger types.
package obslog

import (
	"fmt"

	"github.com/dshills/agentrt/redact"
)

// Level is the severity of a log record.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

func (l Level) String() string {
	switch l {
	case LevelDebug:
		return "debug"
	case LevelInfo:
		return "info"
	case LevelWarn:
		return "warn"
	case LevelError:
		return "error"
	default:
		return "unknown"
	}
}

// Field is a single structured key/value attached to a log record.
type Field struct {
	Key   string
	Value any
}

// F is a terse constructor for Field, mirroring common structured-logging
// ergonomics.
func F(key string, value any) Field { return Field{Key: key, Value: value} }

// Sink receives already-redacted log records. Implementations must not
// block the caller for long and must not panic.
type Sink interface {
	Write(rec Record)
}

// Record is a fully-formed, redacted log entry ready for a Sink.
type Record struct {
	Level  Level
	Msg    string
	Fields []Field
}

// Logger is the capability every component in this module depends on for
// observability. It never returns an error: logging failures are sink
// concerns, not caller concerns.
type Logger interface {
	Debug(msg string, fields ...Field)
	Info(msg string, fields ...Field)
	Warn(msg string, fields ...Field)
	Error(msg string, fields ...Field)
	// With returns a child Logger that prepends fields to every record it
	// emits, for request/workflow-scoped loggers.
	With(fields ...Field) Logger
}

// redactingLogger is the single concrete Logger implementation. Every
// backend (text, JSON, OTel) is a Sink; the redaction and level-filtering
// logic lives here once instead of being duplicated per sink.
type redactingLogger struct {
	sink     Sink
	redactor *redact.Redactor
	minLevel Level
	base     []Field
}

// New builds a Logger that writes to sink, filtering out records below
// minLevel and redacting every message and field value with redactor. A nil
// redactor uses default patterns.
func New(sink Sink, minLevel Level, redactor *redact.Redactor) Logger {
	if redactor == nil {
		redactor = redact.New(redact.Config{})
	}
	return &redactingLogger{sink: sink, redactor: redactor, minLevel: minLevel}
}

func (l *redactingLogger) With(fields ...Field) Logger {
	merged := make([]Field, 0, len(l.base)+len(fields))
	merged = append(merged, l.base...)
	merged = append(merged, fields...)
	return &redactingLogger{sink: l.sink, redactor: l.redactor, minLevel: l.minLevel, base: merged}
}

func (l *redactingLogger) Debug(msg string, fields ...Field) { l.emit(LevelDebug, msg, fields) }
func (l *redactingLogger) Info(msg string, fields ...Field)  { l.emit(LevelInfo, msg, fields) }
func (l *redactingLogger) Warn(msg string, fields ...Field)  { l.emit(LevelWarn, msg, fields) }
func (l *redactingLogger) Error(msg string, fields ...Field) { l.emit(LevelError, msg, fields) }

func (l *redactingLogger) emit(level Level, msg string, fields []Field) {
	if level < l.minLevel || l.sink == nil {
		return
	}

	all := make([]Field, 0, len(l.base)+len(fields))
	all = append(all, l.base...)
	all = append(all, fields...)

	redacted := make([]Field, len(all))
	for i, f := range all {
		redacted[i] = Field{Key: f.Key, Value: l.redactor.RedactValue(toJSONish(f.Value))}
	}

	l.sink.Write(Record{
		Level:  level,
		Msg:    l.redactor.Redact(msg),
		Fields: redacted,
	})
}

// toJSONish coerces non-string values into something RedactValue can walk
// (map[string]any, []any, string, or passthrough primitives). Anything that
// doesn't fit is stringified with fmt.Sprintf so it still passes through
// the text-pattern redactor.
func toJSONish(v any) any {
	switch v.(type) {
	case nil, string, map[string]any, []any,
		bool, int, int32, int64, float32, float64:
		return v
	default:
		return fmt.Sprintf("%v", v)
	}
}
