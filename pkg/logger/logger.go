// Package logger sets up the zerolog root logger shared by every component.
package logger

import (
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Config controls the root logger's verbosity and output format.
type Config struct {
	// Level is a zerolog level name: trace, debug, info, warn, error, fatal.
	Level string
	// Pretty enables a human-readable console writer instead of JSON lines,
	// intended for interactive use (agentctl, local development).
	Pretty bool
}

// New builds the root logger. An unrecognized Level falls back to info
// rather than failing startup over a typo in a config file.
func New(cfg Config) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	var out zerolog.ConsoleWriter
	if cfg.Pretty {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
		return zerolog.New(out).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
