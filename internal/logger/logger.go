// Package logger provides leveled structured logging.
package logger

import (
	"os"
	"strings"
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var defaultLogger atomic.Pointer[zap.SugaredLogger]

// Init initializes the default logger with the specified level and format.
// Format "json" uses the production encoder, "text" a console encoder with caller info.
func Init(level string, format string) {
	var l zapcore.Level
	switch strings.ToLower(level) {
	case "debug":
		l = zapcore.DebugLevel
	case "info":
		l = zapcore.InfoLevel
	case "warn":
		l = zapcore.WarnLevel
	case "error":
		l = zapcore.ErrorLevel
	default:
		l = zapcore.InfoLevel
	}

	var encoder zapcore.Encoder
	if strings.ToLower(format) == "text" {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewConsoleEncoder(cfg)
	} else {
		cfg := zap.NewProductionEncoderConfig()
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		encoder = zapcore.NewJSONEncoder(cfg)
	}

	core := zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), l)
	z := zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
	defaultLogger.Store(z.Sugar())
}

// Use installs an existing zap logger, mainly for tests (zaptest, zap.NewNop).
func Use(z *zap.Logger) {
	defaultLogger.Store(z.WithOptions(zap.AddCallerSkip(1)).Sugar())
}

// Sync flushes buffered entries.
func Sync() {
	if l := defaultLogger.Load(); l != nil {
		_ = l.Sync()
	}
}

func Debug(format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.Debugf(format, args...)
	}
}

func Info(format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.Infof(format, args...)
	}
}

func Warn(format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.Warnf(format, args...)
	}
}

func Error(format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.Errorf(format, args...)
	}
}

func Fatal(format string, args ...interface{}) {
	if l := defaultLogger.Load(); l != nil {
		l.Errorf("[FATAL] "+format, args...)
		_ = l.Sync()
	}
	os.Exit(1)
}
