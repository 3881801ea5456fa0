// Package utils holds process-level plumbing shared by the node binary:
// structured logging and ordered shutdown.
package utils

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/exp/zapslog"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig configures the node logger.
type LoggerConfig struct {
	Level      string    `mapstructure:"level" yaml:"level" validate:"omitempty,oneof=debug info warn error"`
	Format     string    `mapstructure:"format" yaml:"format" validate:"omitempty,oneof=json console"`
	File       string    `mapstructure:"file" yaml:"file"`
	ShowCaller bool      `mapstructure:"show_caller" yaml:"show_caller"`
	Colorize   bool      `mapstructure:"colorize" yaml:"colorize"`
	Component  string    `mapstructure:"-" yaml:"-"`
	Output     io.Writer `mapstructure:"-" yaml:"-"`
}

// DefaultLoggerConfig logs info and above to stderr in console form.
func DefaultLoggerConfig() LoggerConfig {
	return LoggerConfig{
		Level:  "info",
		Format: "console",
	}
}

// NewLogger builds a zap core from config and exposes it as a *slog.Logger,
// so library packages only ever see log/slog. The returned func flushes
// buffered entries and closes the log file, if any.
func NewLogger(config LoggerConfig) (*slog.Logger, func() error, error) {
	level, err := zapcore.ParseLevel(orDefault(config.Level, "info"))
	if err != nil {
		return nil, nil, fmt.Errorf("log level: %w", err)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(orDefault(config.Format, "console")) {
	case "json":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "console":
		if config.Colorize {
			encCfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		} else {
			encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		}
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, nil, fmt.Errorf("unknown log format %q", config.Format)
	}

	out := config.Output
	if out == nil {
		out = os.Stderr
	}
	cores := []zapcore.Core{zapcore.NewCore(encoder, zapcore.AddSync(out), level)}

	var file *os.File
	if config.File != "" {
		file, err = openLogFile(config.File)
		if err != nil {
			return nil, nil, err
		}
		// files always get JSON regardless of the console format
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(file), level))
	}

	core := zapcore.NewTee(cores...)
	logger := slog.New(zapslog.NewHandler(core, zapslog.WithCaller(config.ShowCaller)))
	if config.Component != "" {
		logger = logger.With("component", config.Component)
	}

	closeFn := func() error {
		syncErr := core.Sync()
		if file != nil {
			if err := file.Close(); err != nil {
				return err
			}
		}
		// stderr does not support fsync on most platforms
		if syncErr != nil && config.Output != nil {
			return syncErr
		}
		return nil
	}
	return logger, closeFn, nil
}

// DefaultLogger returns a console logger for component at info level.
func DefaultLogger(component string) *slog.Logger {
	cfg := DefaultLoggerConfig()
	cfg.Component = component
	logger, _, err := NewLogger(cfg)
	if err != nil {
		return slog.Default().With("component", component)
	}
	return logger
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return f, nil
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
