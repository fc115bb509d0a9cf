// Package log configures the global zerolog logger for the pipeline.
package log

import (
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for configuring the global logger.
type Config struct {
	Level   string // optional log level ("debug", "info", ...)
	File    string // optional path; log lines are mirrored to this file
	Console bool   // human-readable console output instead of JSON
}

var (
	mu   sync.Mutex
	base zerolog.Logger
	set  bool
)

// Configure initialises the global logger. The last call wins; commands call
// it once before any stage runs.
func Configure(cfg Config) error {
	mu.Lock()
	defer mu.Unlock()

	level := zerolog.InfoLevel
	if cfg.Level != "" {
		parsed, err := zerolog.ParseLevel(cfg.Level)
		if err != nil {
			return err
		}
		level = parsed
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var writers []io.Writer
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"})
	} else {
		writers = append(writers, os.Stderr)
	}
	if cfg.File != "" {
		f, err := os.OpenFile(cfg.File, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return err
		}
		writers = append(writers, f)
	}

	base = zerolog.New(zerolog.MultiLevelWriter(writers...)).With().Timestamp().Logger()
	set = true
	return nil
}

func logger() zerolog.Logger {
	mu.Lock()
	defer mu.Unlock()
	if !set {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
			With().Timestamp().Logger()
		set = true
	}
	return base
}

// Base returns the configured base logger instance.
func Base() zerolog.Logger {
	return logger()
}

// WithStage returns a child logger annotated with the given stage name.
func WithStage(stage string) zerolog.Logger {
	return logger().With().Str("stage", stage).Logger()
}
