package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var logger zerolog.Logger

const (
	LOG_INFO  = "info"
	LOG_DEBUG = "debug"
	LOG_WARN  = "warn"
	LOG_ERROR = "error"
)

var levels = map[string]zerolog.Level{
	LOG_DEBUG: zerolog.DebugLevel,
	LOG_INFO:  zerolog.InfoLevel,
	LOG_WARN:  zerolog.WarnLevel,
	LOG_ERROR: zerolog.ErrorLevel,
}

// The hub and the agent run quiet until a command opts in.
func init() {
	SetSilentMode(true)
}

func build(w io.Writer) {
	logger = zerolog.New(w).With().Timestamp().Logger()
}

// SetSilentMode discards all output, or writes human readable lines to stderr
func SetSilentMode(silent bool) {
	if silent {
		build(io.Discard)
	} else {
		build(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
}

// SetOutput writes JSON lines to w
func SetOutput(w io.Writer) {
	build(w)
}

// New returns the process logger
func New() zerolog.Logger {
	return logger
}

// GetLogger returns a logger tagged with the given component name.
// Loggers taken before SetSilentMode or SetOutput keep the old writer.
func GetLogger(component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// ForRobot tags a component logger with the robot it acts for
func ForRobot(component, robotID string) zerolog.Logger {
	return logger.With().Str("component", component).Str("robot_id", robotID).Logger()
}

// ValidLevel reports whether level is a name SetLevel understands
func ValidLevel(level string) bool {
	_, ok := levels[level]
	return ok
}

// SetLevel sets the global log level. Unknown names fall back to info.
func SetLevel(level string) {
	l, ok := levels[level]
	if !ok {
		l = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(l)
}
