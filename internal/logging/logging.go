// Package logging wires the core's structured logging on top of
// zerolog, mirroring the constructor-injected *zerolog.Logger fields
// used throughout the teacher's pkg/cluster and pkg/server packages:
// every component takes a logger at construction time rather than
// reaching for a package-level global.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// Format selects the log sink's rendering.
type Format string

const (
	// FormatConsole renders human-readable, colorized lines. Intended
	// for local development and the cmd/stars-node CLI's default
	// output.
	FormatConsole Format = "console"
	// FormatJSON renders one JSON object per line, for ingestion by
	// an external log collector.
	FormatJSON Format = "json"
)

// Config configures a component logger.
type Config struct {
	Component string
	Level     string // "debug", "info", "warn", "error"
	Format    Format
	Output    io.Writer // defaults to os.Stderr
}

// New builds a zerolog.Logger for a single component, per Config.
func New(cfg Config) zerolog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var writer io.Writer = out
	if cfg.Format == FormatConsole || cfg.Format == "" {
		writer = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil {
		level = zerolog.InfoLevel
	}

	logger := zerolog.New(writer).Level(level).With().
		Timestamp().
		Str("component", cfg.Component).
		Logger()
	return logger
}

// Nop returns a disabled logger, useful as a zero-value-safe default
// for components constructed without an explicit logger (e.g. in unit
// tests that don't care about log output).
func Nop() zerolog.Logger {
	return zerolog.Nop()
}
