// Package logging builds the process-wide zerolog.Logger injected into every
// component constructor. Grounded on terminal/cmd/aitrader/main.go's
// setupLogger: pretty console output for local development, JSON for
// production (detected the same way, via an environment marker), and a
// LOG_LEVEL-driven global level.
package logging

import (
	"os"

	"github.com/rs/zerolog"
)

// Options controls logger construction.
type Options struct {
	// Level is one of "debug", "info", "warn", "error". Defaults to "info".
	Level string
	// Pretty forces console-writer output regardless of environment. When
	// false, New still uses the console writer unless Production is true.
	Pretty bool
	// Production switches to JSON output with Unix timestamps, matching the
	// teacher's daemon-mode branch.
	Production bool
}

// New builds the process-wide logger per opts.
func New(opts Options) zerolog.Logger {
	var logger zerolog.Logger
	if opts.Production && !opts.Pretty {
		zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
		logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: "15:04:05",
		}).With().Timestamp().Logger()
	}

	logger = logger.Level(parseLevel(opts.Level))
	return logger
}

func parseLevel(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
