// Package logger builds the root zerolog logger for importfolio.
// Components derive their own loggers from it with
// log.With().Str("component", ...).
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config holds logger configuration.
type Config struct {
	Level  string    // zerolog level name; unknown values fall back to info
	Pretty bool      // human-readable console output for local runs
	Output io.Writer // defaults to os.Stderr
}

// New creates the root structured logger. Every event carries the service
// name so lines from co-located processes stay distinguishable.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: "15:04:05",
		}
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Str("service", "importfolio").
		Logger()
}
