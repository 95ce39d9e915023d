package logger

import (
	"strings"
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
	base  = newLogger("console")
)

func newLogger(format string) *zap.Logger {
	var cfg zap.Config
	if format == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		cfg.DisableStacktrace = true
	}
	cfg.Level = level
	cfg.OutputPaths = []string{"stderr"}
	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return zap.NewNop()
	}
	return l
}

// Init configures level ("debug", "info", ...) and encoding ("console" or "json").
func Init(lvl, format string) {
	if err := level.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(lvl)))); err != nil {
		level.SetLevel(zapcore.InfoLevel)
	}
	l := newLogger(strings.ToLower(strings.TrimSpace(format)))
	mu.Lock()
	old := base
	base = l
	mu.Unlock()
	_ = old.Sync()
}

func SetLevel(l LogLevel) {
	level.SetLevel(toZap(l))
}

func GetLevel() LogLevel {
	switch level.Level() {
	case zapcore.DebugLevel:
		return DEBUG
	case zapcore.WarnLevel:
		return WARN
	case zapcore.ErrorLevel:
		return ERROR
	default:
		return INFO
	}
}

// Use swaps the underlying zap logger and returns a function restoring the previous one.
func Use(l *zap.Logger) func() {
	mu.Lock()
	prev := base
	base = l.WithOptions(zap.AddCallerSkip(2))
	mu.Unlock()
	return func() {
		mu.Lock()
		base = prev
		mu.Unlock()
	}
}

func Sync() {
	mu.RLock()
	defer mu.RUnlock()
	_ = base.Sync()
}

func toZap(l LogLevel) zapcore.Level {
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

func logMessage(l LogLevel, component, message string, fields map[string]interface{}) {
	mu.RLock()
	lg := base
	mu.RUnlock()

	zl := toZap(l)
	if !lg.Core().Enabled(zl) {
		return
	}

	zf := make([]zap.Field, 0, len(fields)+1)
	if component != "" {
		zf = append(zf, zap.String("component", component))
	}
	for k, v := range fields {
		zf = append(zf, zap.Any(k, v))
	}

	if ce := lg.Check(zl, message); ce != nil {
		ce.Write(zf...)
	}
}

func Debug(message string) { logMessage(DEBUG, "", message, nil) }
func DebugC(component, message string) { logMessage(DEBUG, component, message, nil) }
func DebugF(message string, fields map[string]interface{}) { logMessage(DEBUG, "", message, fields) }
func DebugCF(component, message string, f map[string]interface{}) { logMessage(DEBUG, component, message, f) }

func Info(message string) { logMessage(INFO, "", message, nil) }
func InfoC(component, message string) { logMessage(INFO, component, message, nil) }
func InfoF(message string, fields map[string]interface{}) { logMessage(INFO, "", message, fields) }
func InfoCF(component, message string, f map[string]interface{}) { logMessage(INFO, component, message, f) }

func Warn(message string) { logMessage(WARN, "", message, nil) }
func WarnC(component, message string) { logMessage(WARN, component, message, nil) }
func WarnF(message string, fields map[string]interface{}) { logMessage(WARN, "", message, fields) }
func WarnCF(component, message string, f map[string]interface{}) { logMessage(WARN, component, message, f) }

func Error(message string) { logMessage(ERROR, "", message, nil) }
func ErrorC(component, message string) { logMessage(ERROR, component, message, nil) }
func ErrorF(message string, fields map[string]interface{}) { logMessage(ERROR, "", message, fields) }
func ErrorCF(component, message string, f map[string]interface{}) { logMessage(ERROR, component, message, f) }
