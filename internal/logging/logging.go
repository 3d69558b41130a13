// Package logging constructs the single zerolog logger passed explicitly
// into every collaborator from the composition root; there is no package
// global.
package logging

import (
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New builds a structured console logger at the given level ("debug",
// "info", "warn", "error"; unrecognized values fall back to "info").
func New(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}).
		Level(lvl).
		With().
		Timestamp().
		Logger()
}
