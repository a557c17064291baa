// Copyright (c) 2024-2026 CadenzaAI
//
// Licensed under GPL-2.0 with Cadenza Additional Terms.
// See LICENSE.md for commercial usage.

package commons

import (
	"os"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the application-wide logging contract. Every component receives
// one through its constructor; nothing logs through the global zap logger.
type Logger interface {
	Debug(args ...interface{})
	Debugf(template string, args ...interface{})
	Debugw(msg string, keysAndValues ...interface{})
	Info(args ...interface{})
	Infof(template string, args ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warn(args ...interface{})
	Warnf(template string, args ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Error(args ...interface{})
	Errorf(template string, args ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	// Benchmark records a named duration at debug level. Used around
	// latency-sensitive stages (STT partials, first TTS frame, turn wall clock).
	Benchmark(stage string, elapsed time.Duration)

	// With returns a child logger carrying the given structured context.
	With(keysAndValues ...interface{}) Logger

	Sync() error
}

type applicationLogger struct {
	sugar *zap.SugaredLogger
}

// LoggerOption configures NewApplicationLogger.
type LoggerOption func(*loggerConfig)

type loggerConfig struct {
	level    string
	filePath string
}

// WithLevel sets the minimum log level (debug, info, warn, error).
func WithLevel(level string) LoggerOption {
	return func(c *loggerConfig) { c.level = level }
}

// WithRotatingFile tees log output into a size-rotated file in addition
// to stderr.
func WithRotatingFile(path string) LoggerOption {
	return func(c *loggerConfig) { c.filePath = path }
}

// NewApplicationLogger builds the standard production logger: JSON encoding,
// ISO-8601 timestamps, stderr output, optional lumberjack file rotation.
func NewApplicationLogger(opts ...LoggerOption) (Logger, error) {
	cfg := loggerConfig{level: "debug"}
	for _, opt := range opts {
		opt(&cfg)
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder
	encoder := zapcore.NewJSONEncoder(encoderCfg)

	level := parseLevel(cfg.level)
	cores := []zapcore.Core{
		zapcore.NewCore(encoder, zapcore.Lock(os.Stderr), level),
	}
	if cfg.filePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   cfg.filePath,
			MaxSize:    100, // MB
			MaxBackups: 5,
			MaxAge:     14, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), level))
	}

	zl := zap.New(zapcore.NewTee(cores...), zap.AddCaller(), zap.AddCallerSkip(1))
	return &applicationLogger{sugar: zl.Sugar()}, nil
}

func parseLevel(level string) zapcore.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return zapcore.DebugLevel
	case "info":
		return zapcore.InfoLevel
	case "warn", "warning":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func (l *applicationLogger) Debug(args ...interface{})  { l.sugar.Debug(args...) }
func (l *applicationLogger) Info(args ...interface{})   { l.sugar.Info(args...) }
func (l *applicationLogger) Warn(args ...interface{})   { l.sugar.Warn(args...) }
func (l *applicationLogger) Error(args ...interface{})  { l.sugar.Error(args...) }

func (l *applicationLogger) Debugf(template string, args ...interface{}) {
	l.sugar.Debugf(template, args...)
}
func (l *applicationLogger) Infof(template string, args ...interface{}) {
	l.sugar.Infof(template, args...)
}
func (l *applicationLogger) Warnf(template string, args ...interface{}) {
	l.sugar.Warnf(template, args...)
}
func (l *applicationLogger) Errorf(template string, args ...interface{}) {
	l.sugar.Errorf(template, args...)
}

func (l *applicationLogger) Debugw(msg string, keysAndValues ...interface{}) {
	l.sugar.Debugw(msg, keysAndValues...)
}
func (l *applicationLogger) Infow(msg string, keysAndValues ...interface{}) {
	l.sugar.Infow(msg, keysAndValues...)
}
func (l *applicationLogger) Warnw(msg string, keysAndValues ...interface{}) {
	l.sugar.Warnw(msg, keysAndValues...)
}
func (l *applicationLogger) Errorw(msg string, keysAndValues ...interface{}) {
	l.sugar.Errorw(msg, keysAndValues...)
}

func (l *applicationLogger) Benchmark(stage string, elapsed time.Duration) {
	l.sugar.Debugw("benchmark", "stage", stage, "elapsed_ms", elapsed.Milliseconds())
}

func (l *applicationLogger) With(keysAndValues ...interface{}) Logger {
	return &applicationLogger{sugar: l.sugar.With(keysAndValues...)}
}

func (l *applicationLogger) Sync() error { return l.sugar.Sync() }
