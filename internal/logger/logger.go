// Package logger provides the structured logging used across tssd.
//
// It is a thin, typed wrapper around zap so call sites never depend on
// zap directly: every component accepts a *Logger and attaches fields
// with the constructors below. Secret material (entropy, passwords,
// seeds, share secrets) must never be passed through a Field — there is
// intentionally no constructor that accepts a bare value without a
// caller first deciding it is safe to log.
package logger

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Level mirrors zapcore.Level so callers never import zap directly.
type Level int

const (
	DebugLevel Level = iota
	InfoLevel
	WarnLevel
	ErrorLevel
	FatalLevel
)

func (l Level) zapLevel() zapcore.Level {
	switch l {
	case DebugLevel:
		return zapcore.DebugLevel
	case WarnLevel:
		return zapcore.WarnLevel
	case ErrorLevel:
		return zapcore.ErrorLevel
	case FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

// Field is a structured logging field.
type Field = zap.Field

func String(key, value string) Field             { return zap.String(key, value) }
func Int(key string, value int) Field            { return zap.Int(key, value) }
func Bool(key string, value bool) Field          { return zap.Bool(key, value) }
func Error(err error) Field                      { return zap.Error(err) }
func Duration(key string, d time.Duration) Field { return zap.Duration(key, d) }
func Any(key string, value interface{}) Field    { return zap.Any(key, value) }

// Logger is the process-wide structured logger. The zero value is not
// usable; construct one with New or NewDefault.
type Logger struct {
	z *zap.Logger
}

// New builds a Logger writing JSON lines to stderr at the given level.
func New(level Level) *Logger {
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "ts"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(cfg),
		zapcore.Lock(os.Stderr),
		level.zapLevel(),
	)
	return &Logger{z: zap.New(core, zap.AddCaller())}
}

// NewDefault honors TSSD_LOG_LEVEL if set, otherwise logs at Info.
func NewDefault() *Logger {
	level := InfoLevel
	switch strings.ToUpper(os.Getenv("TSSD_LOG_LEVEL")) {
	case "DEBUG":
		level = DebugLevel
	case "WARN":
		level = WarnLevel
	case "ERROR":
		level = ErrorLevel
	}
	return New(level)
}

func (l *Logger) Debug(msg string, fields ...Field) { l.z.Debug(msg, fields...) }
func (l *Logger) Info(msg string, fields ...Field)  { l.z.Info(msg, fields...) }
func (l *Logger) Warn(msg string, fields ...Field)  { l.z.Warn(msg, fields...) }
func (l *Logger) Error(msg string, fields ...Field) { l.z.Error(msg, fields...) }
func (l *Logger) Fatal(msg string, fields ...Field) { l.z.Fatal(msg, fields...) }

// With returns a child logger carrying the given fields on every call.
func (l *Logger) With(fields ...Field) *Logger {
	return &Logger{z: l.z.With(fields...)}
}

// Sync flushes any buffered log entries; call before process exit.
func (l *Logger) Sync() error {
	return l.z.Sync()
}

// Nop returns a logger that discards everything, for tests.
func Nop() *Logger {
	return &Logger{z: zap.NewNop()}
}
