// Package logging provides the structured zerolog logger used by the
// daemon, plus a panic-recovery helper. The transport adapters and the
// worker pool accept a *zerolog.Logger (nil is valid and simply silences
// logging); the core packages (dbo, mbx, irt, publisher, subscriber) take
// no logger and do not log.
package logging

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Level is the minimum severity a logger emits.
type Level string

const (
	LevelDebug Level = "debug"
	LevelInfo  Level = "info"
	LevelWarn  Level = "warn"
	LevelError Level = "error"
)

// Format is the logger's output encoding.
type Format string

const (
	FormatJSON   Format = "json"
	FormatPretty Format = "pretty"
)

// Config configures NewLogger.
type Config struct {
	Level   Level
	Format  Format
	Service string // value of the "service" field on every record
}

// NewLogger builds a zerolog.Logger with a timestamp, caller info, and a
// "service" field.
func NewLogger(cfg Config) zerolog.Logger {
	var output io.Writer = os.Stdout

	level := zerolog.InfoLevel
	switch cfg.Level {
	case LevelDebug:
		level = zerolog.DebugLevel
	case LevelWarn:
		level = zerolog.WarnLevel
	case LevelError:
		level = zerolog.ErrorLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == FormatPretty {
		output = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	}

	service := cfg.Service
	if service == "" {
		service = "rtpubsubd"
	}

	return zerolog.New(output).With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}

// RecoverPanic recovers a panic at a goroutine boundary, logging it with a
// full stack trace so a single bad user callback (IRT elapsed callback,
// subscriber step callback, transport handler) cannot take the process
// down; the goroutine or closure that deferred it still ends. Call it as the first deferred statement
// in any goroutine that runs third-party or user-supplied code.
func RecoverPanic(logger *zerolog.Logger, component string) {
	r := recover()
	if r == nil {
		return
	}
	if logger == nil {
		return
	}
	logger.Error().
		Interface("panic_value", r).
		Str("component", component).
		Str("stack_trace", string(debug.Stack())).
		Msg("panic recovered at goroutine boundary")
}
