// Package logging configures the global zerolog logger.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup points the global logger at w (stderr when nil). Development gets
// the human-friendly console writer, everything else gets JSON lines. An
// unknown level falls back to info and is reported once the logger works.
func Setup(w io.Writer, environment, level string) {
	if w == nil {
		w = os.Stderr
	}
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	if environment == "development" {
		w = zerolog.ConsoleWriter{Out: w}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()

	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
		if err != nil {
			log.Warn().Err(err).Str("level", level).Msg("unknown log level, using info")
		}
		return
	}
	zerolog.SetGlobalLevel(lvl)
}
