// Package logging provides category-scoped wrappers around a zap sugared logger.
// All packages log through here so output carries a consistent category field.
package logging

import (
	"sync/atomic"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Category constants for consistent logging categories.
const (
	CategoryApp        = "App"
	CategoryQueue      = "Queue"
	CategoryStore      = "Store"
	CategorySettings   = "Settings"
	CategorySegment    = "Segment"
	CategoryEnhance    = "Enhance"
	CategoryAnalyzer   = "Analyzer"
	CategoryFFmpeg     = "FFmpeg"
	CategoryTranscribe = "Transcribe"
	CategoryNotify     = "Notify"
	CategoryAPI        = "API"
)

var current atomic.Pointer[zap.SugaredLogger]

func init() {
	current.Store(zap.NewNop().Sugar())
}

// Init replaces the no-op logger with a configured one.
func Init(level string, json bool) error {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return err
	}

	cfg := zap.NewDevelopmentConfig()
	if json {
		cfg = zap.NewProductionConfig()
	}
	cfg.Level = zap.NewAtomicLevelAt(lvl)

	logger, err := cfg.Build()
	if err != nil {
		return err
	}
	current.Store(logger.Sugar())
	return nil
}

// Sync flushes buffered entries.
func Sync() {
	_ = current.Load().Sync()
}

func with(category string) *zap.SugaredLogger {
	return current.Load().With("category", category)
}

// Debug logs a debug message.
func Debug(category, msg string, keysAndValues ...interface{}) {
	with(category).Debugw(msg, keysAndValues...)
}

// Info logs an info message.
func Info(category, msg string, keysAndValues ...interface{}) {
	with(category).Infow(msg, keysAndValues...)
}

// Warning logs a warning message.
func Warning(category, msg string, keysAndValues ...interface{}) {
	with(category).Warnw(msg, keysAndValues...)
}

// Error logs an error message.
func Error(category, msg string, keysAndValues ...interface{}) {
	with(category).Errorw(msg, keysAndValues...)
}
