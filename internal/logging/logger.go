package logging

import (
	"io"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Logger struct {
	format string
	base   *zap.Logger
}

type Field struct {
	Key   string
	Value interface{}
}

// New builds a logger writing to stdout. Format is json or text; level is one
// of debug, info, warn, error and defaults to info.
func New(format string, level ...string) *Logger {
	return NewTo(os.Stdout, format, level...)
}

// NewTo is New with an explicit destination.
func NewTo(w io.Writer, format string, level ...string) *Logger {
	if format == "" {
		format = "json"
	}
	lvl := zapcore.InfoLevel
	if len(level) > 0 {
		lvl = parseLevel(level[0])
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.MessageKey = "msg"
	encCfg.EncodeTime = zapcore.RFC3339TimeEncoder

	var enc zapcore.Encoder
	if format == "text" {
		encCfg.EncodeLevel = zapcore.LowercaseLevelEncoder
		enc = zapcore.NewConsoleEncoder(encCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}
	core := zapcore.NewCore(enc, zapcore.AddSync(w), lvl)
	return &Logger{format: format, base: zap.New(core)}
}

// NewNop returns a logger that discards everything.
func NewNop() *Logger {
	return &Logger{format: "json", base: zap.NewNop()}
}

// With returns a child logger that always carries the given fields.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{format: l.format, base: l.base.With(toZap(fields)...)}
}

func (l *Logger) Debug(msg string, fields ...Field) {
	l.base.Debug(msg, toZap(fields)...)
}

func (l *Logger) Info(msg string, fields ...Field) {
	l.base.Info(msg, toZap(fields)...)
}

func (l *Logger) Warn(msg string, fields ...Field) {
	l.base.Warn(msg, toZap(fields)...)
}

func (l *Logger) Error(msg string, fields ...Field) {
	l.base.Error(msg, toZap(fields)...)
}

func (l *Logger) Sync() error {
	return l.base.Sync()
}

// Err is shorthand for the error field used throughout the daemon.
func Err(err error) Field {
	if err == nil {
		return Field{Key: "error", Value: nil}
	}
	return Field{Key: "error", Value: err.Error()}
}

func toZap(fields []Field) []zap.Field {
	if len(fields) == 0 {
		return nil
	}
	out := make([]zap.Field, 0, len(fields))
	for _, f := range fields {
		out = append(out, zap.Any(f.Key, f.Value))
	}
	return out
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(level) {
	case "debug":
		return zapcore.DebugLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}
