package logger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type LogLevel int

const (
	DEBUG LogLevel = iota
	INFO
	WARN
	ERROR
)

var (
	mu    sync.RWMutex
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	base  *zap.Logger
)

func init() {
	base = build(zap.NewProductionConfig())
}

func build(cfg zap.Config) *zap.Logger {
	cfg.Level = level
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.DisableStacktrace = true
	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Init switches between the production JSON encoder and a console encoder for
// local debugging sessions.
func Init(debug bool) {
	cfg := zap.NewProductionConfig()
	if debug {
		cfg = zap.NewDevelopmentConfig()
		level.SetLevel(zapcore.DebugLevel)
	}
	l := build(cfg)

	mu.Lock()
	old := base
	base = l
	mu.Unlock()
	_ = old.Sync()
}

// Replace installs a caller-provided logger, mostly for tests observing output.
func Replace(l *zap.Logger) {
	if l == nil {
		l = zap.NewNop()
	}
	mu.Lock()
	base = l
	mu.Unlock()
}

func (l LogLevel) zapLevel() zapcore.Level {
	switch l {
	case DEBUG:
		return zapcore.DebugLevel
	case WARN:
		return zapcore.WarnLevel
	case ERROR:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func SetLevel(l LogLevel) {
	level.SetLevel(l.zapLevel())
}

// Enabled reports whether entries at l pass the configured level.
func Enabled(l LogLevel) bool {
	return level.Enabled(l.zapLevel())
}

func Sync() error {
	mu.RLock()
	defer mu.RUnlock()
	return base.Sync()
}

func current() *zap.Logger {
	mu.RLock()
	defer mu.RUnlock()
	return base
}

func toFields(component string, fields map[string]interface{}) []zap.Field {
	out := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		out = append(out, zap.String("component", component))
	}
	for k, v := range fields {
		out = append(out, zap.Any(k, v))
	}
	return out
}

func logCF(lvl zapcore.Level, component, message string, fields map[string]interface{}) {
	l := current()
	if ce := l.Check(lvl, message); ce != nil {
		ce.Write(toFields(component, fields)...)
	}
}

func DebugCF(component, message string, fields map[string]interface{}) {
	logCF(zapcore.DebugLevel, component, message, fields)
}

func InfoCF(component, message string, fields map[string]interface{}) {
	logCF(zapcore.InfoLevel, component, message, fields)
}

func WarnCF(component, message string, fields map[string]interface{}) {
	logCF(zapcore.WarnLevel, component, message, fields)
}

func ErrorCF(component, message string, fields map[string]interface{}) {
	logCF(zapcore.ErrorLevel, component, message, fields)
}

func DebugC(component, message string) { logCF(zapcore.DebugLevel, component, message, nil) }
func InfoC(component, message string)  { logCF(zapcore.InfoLevel, component, message, nil) }
func WarnC(component, message string)  { logCF(zapcore.WarnLevel, component, message, nil) }
func ErrorC(component, message string) { logCF(zapcore.ErrorLevel, component, message, nil) }
