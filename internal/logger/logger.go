package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Setup builds the process logger. Output is human readable on stderr; debug
// adds caller and stack information and lowers the level.
func Setup(debug bool) zerolog.Logger {
	return New(os.Stderr, debug)
}

// New builds a logger writing to w.
func New(w io.Writer, debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}

	logger := zerolog.New(zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}).
		Level(level).With().Timestamp().Logger()

	if debug {
		logger = logger.With().Caller().Stack().Logger()
	}

	return logger
}
