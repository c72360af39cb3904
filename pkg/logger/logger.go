// Package logger wraps a process-wide zerolog logger and the Gin middleware
// that tags every request with a correlation id.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log zerolog.Logger

// Init sets the level ("debug", "info", "warn", "error"). Debug switches to
// console output for local runs; everything else writes JSON lines.
func Init(level string) {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil || lvl == zerolog.NoLevel {
		lvl = zerolog.InfoLevel
	}
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var out io.Writer = os.Stdout
	if lvl <= zerolog.DebugLevel {
		out = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05.000"}
	}
	log = zerolog.New(out).Level(lvl).With().Timestamp().Str("service", "modsentry").Logger()
}

// SetOutput redirects the logger, keeping its level.
func SetOutput(w io.Writer) {
	log = log.Output(w)
}

func init() {
	Init("info")
}

func Debug() *zerolog.Event { return log.Debug() }
func Info() *zerolog.Event  { return log.Info() }
func Warn() *zerolog.Event  { return log.Warn() }
func Error() *zerolog.Event { return log.Error() }

func Debugf(format string, v ...interface{}) { log.Debug().Msgf(format, v...) }
func Infof(format string, v ...interface{})  { log.Info().Msgf(format, v...) }
func Warnf(format string, v ...interface{})  { log.Warn().Msgf(format, v...) }
func Errorf(format string, v ...interface{}) { log.Error().Msgf(format, v...) }

// Fatalf logs and exits the process.
func Fatalf(format string, v ...interface{}) { log.Fatal().Msgf(format, v...) }

// WithCorrelation returns a child logger that stamps every event with the
// correlation id of the request being processed.
func WithCorrelation(correlationID string) zerolog.Logger {
	return log.With().Str(correlationKey, correlationID).Logger()
}
