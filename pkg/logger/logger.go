// Package logger provides structured logging utilities.
package logger

import (
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is a wrapper around zap.Logger.
type Logger struct {
	*zap.Logger
}

// New creates a logger writing to stdout at the given level. format is
// "json" or "console"; anything else falls back to json.
func New(level, format string) (*Logger, error) {
	encoding := "json"
	levelEncoder := zapcore.LowercaseLevelEncoder
	if strings.EqualFold(format, "console") {
		encoding = "console"
		levelEncoder = zapcore.CapitalColorLevelEncoder
	}

	config := zap.Config{
		Level:    zap.NewAtomicLevelAt(ParseLevel(level)),
		Encoding: encoding,
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    levelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.MillisDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	l, err := config.Build()
	if err != nil {
		return nil, err
	}
	return &Logger{Logger: l}, nil
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// With creates a child logger with additional fields.
func (l *Logger) With(fields ...zap.Field) *Logger {
	return &Logger{Logger: l.Logger.With(fields...)}
}

// Named creates a child logger scoped to a component.
func (l *Logger) Named(component string) *Logger {
	return &Logger{Logger: l.Logger.Named(component)}
}

// WithTrace creates a child logger carrying the pipeline trace and
// conversation ids.
func (l *Logger) WithTrace(traceID, conversationID string) *Logger {
	return l.With(
		zap.String("trace_id", traceID),
		zap.String("conversation_id", conversationID),
	)
}

// ParseLevel maps a level name to a zap level, defaulting to info.
func ParseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	case "fatal":
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

var global atomic.Pointer[Logger]

// Global returns the process logger. It discards output until SetGlobal
// is called.
func Global() *Logger {
	if l := global.Load(); l != nil {
		return l
	}
	return NewNop()
}

// SetGlobal replaces the process logger and redirects zap's globals to it.
func SetGlobal(l *Logger) {
	global.Store(l)
	zap.ReplaceGlobals(l.Logger)
}
