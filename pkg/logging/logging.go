// Package logging provides the CORE's structured logger. It keeps the
// teacher's Logger interface shape (Debug/Info/Warn/Error plus With-style
// field chaining) but replaces the stdlib log.Logger backend with zerolog,
// a direct dependency the teacher carries in go.mod but never wires into
// its own source — the pack's ai-code-assistant indexer is what actually
// shows the "github.com/rs/zerolog/log"-style usage this package follows.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"
)

// Logger is the structured logger every CORE component is handed at
// construction. It mirrors the teacher's pkg/core.Logger contract (distinct
// Error/Warn/Info/Debug verbs, With-style chaining) without the
// context-request-id extraction the teacher's version depended on but never
// defined.
type Logger interface {
	Debug(msg string)
	Info(msg string)
	Warn(msg string)
	Error(msg string, err error)

	With(key string, value interface{}) Logger
}

// zlogger adapts zerolog.Logger to Logger.
type zlogger struct {
	z zerolog.Logger
}

// Config controls construction of the root logger.
type Config struct {
	// JSON selects structured JSON output; when false, a human-readable
	// console writer is used (matching the teacher's JSONOutput toggle).
	JSON bool
	// Level is one of zerolog's level names: "debug", "info", "warn",
	// "error". Defaults to "info" when empty.
	Level string
	// Output defaults to os.Stderr when nil.
	Output io.Writer
}

// New constructs a root Logger per cfg.
func New(cfg Config) Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	if !cfg.JSON {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"}
	}

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil && cfg.Level != "" {
		level = parsed
	}

	z := zerolog.New(out).Level(level).With().Timestamp().Logger()
	return &zlogger{z: z}
}

func (l *zlogger) Debug(msg string) { l.z.Debug().Msg(msg) }
func (l *zlogger) Info(msg string)  { l.z.Info().Msg(msg) }
func (l *zlogger) Warn(msg string)  { l.z.Warn().Msg(msg) }

func (l *zlogger) Error(msg string, err error) {
	l.z.Error().Err(err).Msg(msg)
}

// With returns a child logger carrying an additional structured field,
// the way System threads stream_id/topic_id/partition_id through every
// component-scoped logger it hands out.
func (l *zlogger) With(key string, value interface{}) Logger {
	return &zlogger{z: l.z.With().Interface(key, value).Logger()}
}
