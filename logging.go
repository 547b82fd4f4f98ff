package unison

import (
	"os"

	"github.com/rs/zerolog"
)

// defaultLogger builds a console-writer zerolog.Logger at Info level,
// overridable per Client or Server via SetLogger. Library code never
// calls zerolog's global logger — every type here carries its own
// zerolog.Logger value.
func defaultLogger() zerolog.Logger {
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}
	return zerolog.New(writer).With().Timestamp().Logger().Level(zerolog.InfoLevel)
}

// disabledLogger discards everything; used when a caller opts out of
// logging entirely.
func disabledLogger() zerolog.Logger {
	return zerolog.Nop()
}
