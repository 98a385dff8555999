package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Setup configures the global zerolog logger. Format "json" writes raw JSON
// to stdout; anything else uses the human-readable console writer. An
// unparseable level falls back to info.
func Setup(level, format string) {
	var w io.Writer = os.Stdout
	if format != "json" {
		w = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)

	logCtx := zerolog.New(w).With().Timestamp()
	if lvl <= zerolog.DebugLevel {
		logCtx = logCtx.Caller()
	}
	log.Logger = logCtx.Logger().Level(lvl)
	zerolog.DefaultContextLogger = &log.Logger

	if err != nil {
		log.Warn().Str("level", level).Msg("invalid log level, using info")
	}
}

// Component returns a child logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
