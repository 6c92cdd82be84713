// Package wlog is the orchestration engine's structured logging sink: a
// global zerolog.Logger plus component/task/worker child loggers, used by
// the scheduler and worker lifecycle for a console (or JSON) log stream.
// It writes nothing to .wiggum/logs/activity.jsonl; that event log is
// written separately through internal/activity.
package wlog

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the global logger instance, configured once by Init.
var Logger zerolog.Logger

func init() {
	// Safe default so packages that log before Init (e.g. in tests) don't panic.
	Logger = zerolog.New(io.Discard)
}

// Level mirrors the subset of zerolog levels the engine emits at.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls how the global logger renders.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global Logger. Call once from cmd/wiggum at startup.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case WarnLevel:
		level = zerolog.WarnLevel
	case ErrorLevel:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
		return
	}
	Logger = zerolog.New(zerolog.ConsoleWriter{
		Out:        output,
		TimeFormat: time.Kitchen,
	}).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the given component name.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithTask returns a child logger tagged with a task identifier.
func WithTask(taskID string) zerolog.Logger {
	return Logger.With().Str("task_id", taskID).Logger()
}

// WithWorker returns a child logger tagged with a worker directory name.
func WithWorker(workerDir string) zerolog.Logger {
	return Logger.With().Str("worker", workerDir).Logger()
}
