// Package mplogger provides the structured logger shared by every component.
// It never logs the Credentials secret; a Credentials value's String and
// GoString methods replace the secret with a placeholder.
package mplogger

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	global *zap.Logger
	once   sync.Once
)

// Config controls the global logger's verbosity and encoding.
type Config struct {
	Level       string // debug, info, warn, error
	Development bool
	Encoding    string // json or console
}

// Init initializes the global logger. Safe to call multiple times; only the
// first call takes effect.
func Init(cfg Config) error {
	var err error
	once.Do(func() {
		global, err = build(cfg)
	})
	return err
}

func build(cfg Config) (*zap.Logger, error) {
	level, err := zapcore.ParseLevel(cfg.Level)
	if err != nil {
		level = zapcore.InfoLevel
	}

	encoding := cfg.Encoding
	if encoding == "" {
		encoding = "json"
	}

	encoderCfg := zapcore.EncoderConfig{
		TimeKey:        "timestamp",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller",
		MessageKey:     "message",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     zapcore.ISO8601TimeEncoder,
		EncodeDuration: zapcore.StringDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}
	if cfg.Development {
		encoderCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	zapCfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(level),
		Development:      cfg.Development,
		Encoding:         encoding,
		EncoderConfig:    encoderCfg,
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}
	return zapCfg.Build()
}

// Get returns the global logger, lazily initializing it with production
// defaults if Init was never called.
func Get() *zap.Logger {
	if global == nil {
		if err := Init(Config{Level: "info", Encoding: "json"}); err != nil {
			l, _ := zap.NewProduction()
			global = l
		}
	}
	return global
}

// Named returns a child logger tagged with a component name, the convention
// every Transport/StorageEngine/ParallelFetcher instance follows.
func Named(component string) *zap.Logger {
	return Get().With(zap.String("component", component))
}

// Sync flushes buffered log entries. Call before process exit.
func Sync() error {
	if global != nil {
		return global.Sync()
	}
	return nil
}
