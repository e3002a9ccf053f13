package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	Log   *zap.Logger
	level = zap.NewAtomicLevelAt(zapcore.InfoLevel)

	// helpers below sit one frame above the caller
	helper *zap.Logger
)

func init() {
	encCfg := zapcore.EncoderConfig{
		TimeKey:      "ts",
		LevelKey:     "level",
		NameKey:      "logger",
		CallerKey:    "caller",
		MessageKey:   "msg",
		LineEnding:   zapcore.DefaultLineEnding,
		EncodeTime:   zapcore.ISO8601TimeEncoder,
		EncodeLevel:  zapcore.CapitalColorLevelEncoder,
		EncodeCaller: zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewConsoleEncoder(encCfg),
		zapcore.AddSync(os.Stdout),
		level,
	)

	Log = zap.New(core, zap.AddCaller())
	helper = Log.WithOptions(zap.AddCallerSkip(1))
}

// SetLevel accepts debug, info, warn or error. It can be called at runtime.
func SetLevel(lvl string) error {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(strings.ToLower(strings.TrimSpace(lvl)))); err != nil {
		return fmt.Errorf("log level %q: %w", lvl, err)
	}
	level.SetLevel(l)
	return nil
}

func Level() string { return level.Level().String() }

// Named returns a child logger, e.g. logger.Named("pipeline").
func Named(name string) *zap.Logger { return Log.Named(name) }

// Or returns l, or the process logger when l is nil.
func Or(l *zap.Logger) *zap.Logger {
	if l != nil {
		return l
	}
	return Log
}

func Info(msg string, fields ...zap.Field) { helper.Info(msg, fields...) }
func Infof(format string, args ...interface{}) {
	helper.Info(fmt.Sprintf(format, args...))
}
func Warn(msg string, fields ...zap.Field) { helper.Warn(msg, fields...) }
func Warnf(format string, args ...interface{}) {
	helper.Warn(fmt.Sprintf(format, args...))
}
func Error(msg string, fields ...zap.Field) { helper.Error(msg, fields...) }

func Errorf(format string, args ...interface{}) {
	helper.Error(fmt.Sprintf(format, args...))
}

func Debug(msg string, fields ...zap.Field) { helper.Debug(msg, fields...) }

func Sync() { _ = Log.Sync() }
