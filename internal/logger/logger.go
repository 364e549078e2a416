package logger

import (
	"os"

	"github.com/rs/zerolog"
)

var Logger zerolog.Logger

// Init initializes the global logger from LOG_LEVEL / LOG_FORMAT.
func Init() {
	level := os.Getenv("LOG_LEVEL")
	if level == "" {
		level = "info"
	}

	logLevel, err := zerolog.ParseLevel(level)
	if err != nil {
		logLevel = zerolog.InfoLevel
	}

	base := zerolog.New(os.Stdout).With().Timestamp().Logger().Level(logLevel)
	if os.Getenv("LOG_FORMAT") == "console" {
		base = base.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	Logger = base
}

// Component returns a sub-logger tagged with a component name.
func Component(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
