package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

type Config struct {
	Level  string
	Pretty bool
	Output io.Writer
}

// New builds the process logger. Pretty output goes through the console
// writer with caller information; otherwise records are JSON lines.
func New(config Config) zerolog.Logger {
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(config.Level)))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	if config.Pretty {
		return zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			Level(level).
			With().Timestamp().Caller().Logger()
	}
	return zerolog.New(out).Level(level).With().Timestamp().Logger()
}
