// Package logging provides structured logger construction for engine components.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
)

// New builds a zerolog logger writing JSON lines to stderr with the given
// service name attached. Unknown level strings fall back to info.
func New(service, level string) zerolog.Logger {
	return NewWriter(os.Stderr, service, level)
}

// NewWriter builds a logger writing to the provided writer. Exposed so tests
// can capture output.
func NewWriter(w io.Writer, service, level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(w).Level(lvl).With().
		Timestamp().
		Str("service", service).
		Logger()
}
