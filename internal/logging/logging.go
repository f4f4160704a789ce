// Package logging configures the zerolog logger shared by the service and
// adapts it to gorm and echo.
package logging

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/catdog-vision/catdog/internal/config"
)

const serviceName = "catdog"

// Init configures the global logger and returns it.
func Init(settings config.LogSettings, environment string) zerolog.Logger {
	return InitWithWriter(settings, environment, os.Stdout)
}

// InitWithWriter is Init with an explicit destination.
func InitWithWriter(settings config.LogSettings, environment string, out io.Writer) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339Nano
	zerolog.SetGlobalLevel(ParseLevel(settings.Level))

	var logger zerolog.Logger
	if settings.Format == "console" || (settings.Format == "" && environment == "development") {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}).
			With().
			Timestamp().
			Str("service", serviceName).
			Logger()
	} else {
		logger = zerolog.New(out).
			With().
			Timestamp().
			Caller().
			Str("service", serviceName).
			Logger()
	}

	log.Logger = logger
	return logger
}

// ParseLevel converts a config level to a zerolog level, defaulting to info.
func ParseLevel(level string) zerolog.Level {
	lvl, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(level)))
	if err != nil || lvl == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return lvl
}

// Component returns a child logger tagged with a component name.
func Component(logger zerolog.Logger, name string) zerolog.Logger {
	return logger.With().Str("component", name).Logger()
}
