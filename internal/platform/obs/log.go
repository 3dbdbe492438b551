// Package obs centralizes the bridge's logging setup so both cmd/bridge
// and cmd/bridgectl configure zerolog the same way.
package obs

import (
	"os"

	"github.com/rs/zerolog"
)

// NewLogger returns a zerolog.Logger writing structured JSON to stdout, or
// a human-readable console writer when env is "development".
func NewLogger(env string) zerolog.Logger {
	if env == "development" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
