package log

import (
	"fmt"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

var (
	mu     sync.RWMutex
	logger *zap.Logger
	sugar  *zap.SugaredLogger
	level  = zap.NewAtomicLevelAt(zapcore.InfoLevel)
)

// Init installs the process logger. format is "json" (production encoder)
// or "console" (development encoder with colored levels).
func Init(lvl Level, format string) error {
	parsed, err := zapcore.ParseLevel(string(lvl))
	if err != nil {
		return fmt.Errorf("invalid log level %q: %w", lvl, err)
	}

	var cfg zap.Config
	switch format {
	case "console":
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	default:
		cfg = zap.NewProductionConfig()
	}
	level.SetLevel(parsed)
	cfg.Level = level

	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	install(l)
	return nil
}

// Use replaces the process logger, e.g. with zap.NewNop() in tests.
func Use(l *zap.Logger) {
	install(l)
}

func install(l *zap.Logger) {
	mu.Lock()
	logger = l
	sugar = l.Sugar()
	mu.Unlock()
}

// initLogger lazily installs a production logger when Init was never called.
func initLogger() *zap.SugaredLogger {
	mu.RLock()
	s := sugar
	mu.RUnlock()
	if s != nil {
		return s
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = level
	l, err := cfg.Build(zap.AddCallerSkip(2))
	if err != nil {
		l = zap.NewNop()
	}

	mu.Lock()
	defer mu.Unlock()
	if sugar == nil {
		logger = l
		sugar = l.Sugar()
	}
	return sugar
}

// Logger returns the underlying zap logger (used by HTTP middleware).
func Logger() *zap.Logger {
	initLogger()
	mu.RLock()
	defer mu.RUnlock()
	return logger.WithOptions(zap.AddCallerSkip(-2))
}

func SetLevel(l Level) {
	if parsed, err := zapcore.ParseLevel(string(l)); err == nil {
		level.SetLevel(parsed)
	}
}

func Debug(msg string, kv ...any) {
	logWithLevel(zapcore.DebugLevel, msg, kv...)
}

func Info(msg string, kv ...any) {
	logWithLevel(zapcore.InfoLevel, msg, kv...)
}

func Warn(msg string, kv ...any) {
	logWithLevel(zapcore.WarnLevel, msg, kv...)
}

func Error(msg string, err error, kv ...any) {
	// Prepend error into key-value list.
	extended := append([]any{"err", err}, kv...)
	logWithLevel(zapcore.ErrorLevel, msg, extended...)
}

// Sync flushes buffered entries; call before exit.
func Sync() {
	mu.RLock()
	l := logger
	mu.RUnlock()
	if l != nil {
		_ = l.Sync()
	}
}

func logWithLevel(lvl zapcore.Level, msg string, kv ...any) {
	s := initLogger()
	// Odd trailing key is dropped, matching the old line formatter.
	if len(kv)%2 == 1 {
		kv = kv[:len(kv)-1]
	}
	switch lvl {
	case zapcore.DebugLevel:
		s.Debugw(msg, kv...)
	case zapcore.WarnLevel:
		s.Warnw(msg, kv...)
	case zapcore.ErrorLevel:
		s.Errorw(msg, kv...)
	default:
		s.Infow(msg, kv...)
	}
}
