package logger

import (
	"fmt"
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var current atomic.Pointer[zap.Logger]

func init() {
	current.Store(build(zapcore.InfoLevel))
}

func build(level zapcore.Level) *zap.Logger {
	encCfg := zapcore.EncoderConfig{
		TimeKey:       "ts",
		LevelKey:      "level",
		NameKey:       "logger",
		CallerKey:     "caller",
		MessageKey:    "msg",
		StacktraceKey: "stack",
		LineEnding:    zapcore.DefaultLineEnding,
		EncodeTime:    zapcore.ISO8601TimeEncoder,
		EncodeLevel:   zapcore.CapitalColorLevelEncoder,
		EncodeCaller:  zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)

	return zap.New(core, zap.AddCaller())
}

// SetLevel rebuilds the global logger at the given level ("debug", "info", ...).
func SetLevel(level string) error {
	var lvl zapcore.Level
	if err := lvl.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(level)))); err != nil {
		return fmt.Errorf("invalid log level %q: %w", level, err)
	}
	current.Store(build(lvl))
	return nil
}

// L returns the global logger. Components keep a named child of it.
func L() *zap.Logger { return current.Load() }

// Named is a shortcut for L().Named(name).
func Named(name string) *zap.Logger { return L().Named(name) }

func Sync() { _ = L().Sync() }

// 快捷方法
func Info(msg string, fields ...zap.Field) { L().Info(msg, fields...) }
func Infof(format string, args ...interface{}) {
	L().Info(fmt.Sprintf(format, args...))
}
func Warn(msg string, fields ...zap.Field)  { L().Warn(msg, fields...) }
func Error(msg string, fields ...zap.Field) { L().Error(msg, fields...) }

func Errorf(format string, args ...interface{}) {
	L().Error(fmt.Sprintf(format, args...))
}

func Debug(msg string, fields ...zap.Field) { L().Debug(msg, fields...) }
