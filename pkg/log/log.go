// Package log provides the process-wide structured logger.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the package-level logger. Init reconfigures it; until Init
// runs it writes human-readable output to stderr at info level.
var Logger zerolog.Logger

// Level names accepted by Config.Level.
const (
	DebugLevel = "debug"
	InfoLevel  = "info"
	WarnLevel  = "warn"
	ErrorLevel = "error"
)

// Config controls Init.
type Config struct {
	Level      string
	JSONOutput bool
	Output     io.Writer
}

func init() {
	Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		Level(zerolog.InfoLevel).With().Timestamp().Logger()
}

// Init applies cfg to the package-level Logger.
func Init(cfg Config) {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}

	var w io.Writer = out
	if !cfg.JSONOutput {
		w = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	level := zerolog.InfoLevel
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	}

	Logger = zerolog.New(w).Level(level).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with a component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithJobID returns a child logger tagged with a job ID.
func WithJobID(jobID string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Logger()
}

// WithOperation returns a child logger tagged with job ID and operation.
func WithOperation(jobID, operation string) zerolog.Logger {
	return Logger.With().Str("job_id", jobID).Str("operation", operation).Logger()
}

// WithWorkerID returns a child logger tagged with the worker's ID.
func WithWorkerID(workerID string) zerolog.Logger {
	return Logger.With().Str("worker_id", workerID).Logger()
}

// Info logs at info level on the package logger.
func Info() *zerolog.Event { return Logger.Info() }

// Debug logs at debug level on the package logger.
func Debug() *zerolog.Event { return Logger.Debug() }

// Warn logs at warn level on the package logger.
func Warn() *zerolog.Event { return Logger.Warn() }

// Error logs at error level on the package logger.
func Error() *zerolog.Event { return Logger.Error() }
