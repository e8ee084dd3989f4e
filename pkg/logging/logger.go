// Package logging configures zerolog for the extractor. Components derive
// their logger with NewLogger or Component, and partition and run loggers
// carry the partition and run_id fields on every event.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Field names shared by every component.
const (
	FieldComponent  = "component"
	FieldRunID      = "run_id"
	FieldPartition  = "partition"
	FieldIdentifier = "identifier"
)

// LogLevel is a configured level name.
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	Level LogLevel

	// Pretty switches from JSON lines to console output.
	Pretty bool

	// Output defaults to os.Stderr.
	Output io.Writer
}

// DefaultConfig returns JSON output at info level on stderr.
func DefaultConfig() Config {
	return Config{Level: LevelInfo, Output: os.Stderr}
}

// Setup installs the global logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(cfg.Level.level())

	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(out).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

// ParseLevel validates a configured level name. Empty means info.
func ParseLevel(value string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", value)
	}
}

func (l LogLevel) level() zerolog.Level {
	parsed, err := ParseLevel(string(l))
	if err != nil {
		return zerolog.InfoLevel
	}
	switch parsed {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger derives a component logger from the global logger.
func NewLogger(component string) zerolog.Logger {
	return Component(log.Logger, component)
}

// Component tags logger with a component name.
func Component(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str(FieldComponent, component).Logger()
}

// ForRun tags logger with the run ID of one extraction.
func ForRun(logger zerolog.Logger, runID string) zerolog.Logger {
	return logger.With().Str(FieldRunID, runID).Logger()
}

// ForPartition tags logger with a partition key.
func ForPartition(logger zerolog.Logger, partition string) zerolog.Logger {
	return logger.With().Str(FieldPartition, partition).Logger()
}

// Level guidelines:
//
// Debug: per-request flow, bucket creation, successful fetches.
// Info: identifier loading, partition start and finish, resume points,
// checkpoint writes, 404 outcomes, run summaries.
// Warn: retries, limiter timeouts, terminal failures of one identifier,
// ignored checkpoints, failed raw writes, panics in progress sinks.
// Error: partition setup failures, recovered fetch panics, summary write
// failures.
//
// Besides the shared fields above, events use status_code, attempt, backoff,
// error_class, outcome, processed and total.
