// Package obslog configures the process-wide zerolog logger, the way
// sawpanic-cryptorun wires rs/zerolog across its components.
package obslog

import (
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Init configures the global zerolog logger from LOG_LEVEL (default "info")
// and returns it. Safe to call once at process startup.
func Init(levelEnv string) zerolog.Logger {
	level := parseLevel(levelEnv)
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	var w io.Writer = os.Stdout
	if isTTY(os.Stdout) {
		w = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	logger := zerolog.New(w).With().Timestamp().Logger()
	log.Logger = logger
	return logger
}

func parseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "":
		return zerolog.InfoLevel
	default:
		return zerolog.InfoLevel
	}
}

func isTTY(f *os.File) bool {
	fi, err := f.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

// Component returns a child logger tagged with a component name, mirroring
// the teacher's per-subsystem field tagging convention.
func Component(name string) zerolog.Logger {
	return log.With().Str("component", name).Logger()
}
