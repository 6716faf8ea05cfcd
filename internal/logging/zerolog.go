// Package logging provides the zerolog-backed implementation of
// orchestrator.Logger used by every component in the runtime.
package logging

import (
	"io"
	"os"

	"github.com/rs/zerolog"

	"github.com/lokutor-ai/voicecall-runtime/pkg/orchestrator"
)

// ZerologLogger adapts a zerolog.Logger to orchestrator.Logger.
type ZerologLogger struct {
	log zerolog.Logger
}

// New builds a ZerologLogger writing JSON to w at the given level. Pass
// os.Stdout and zerolog.InfoLevel for production defaults.
func New(w io.Writer, level zerolog.Level) *ZerologLogger {
	zl := zerolog.New(w).With().Timestamp().Logger().Level(level)
	return &ZerologLogger{log: zl}
}

// NewConsole builds a human-readable console writer logger for local
// development.
func NewConsole(level zerolog.Level) *ZerologLogger {
	cw := zerolog.ConsoleWriter{Out: os.Stderr}
	zl := zerolog.New(cw).With().Timestamp().Logger().Level(level)
	return &ZerologLogger{log: zl}
}

// With returns a logger with call_id and tenant_id attached to every
// subsequent entry, so every log line from a call's lifecycle is
// correlatable without the caller repeating the fields.
func (z *ZerologLogger) With(callID, tenantID string) *ZerologLogger {
	zl := z.log.With().Str("call_id", callID).Str("tenant_id", tenantID).Logger()
	return &ZerologLogger{log: zl}
}

func (z *ZerologLogger) Debug(msg string, args ...interface{}) {
	z.event(z.log.Debug(), msg, args...)
}

func (z *ZerologLogger) Info(msg string, args ...interface{}) {
	z.event(z.log.Info(), msg, args...)
}

func (z *ZerologLogger) Warn(msg string, args ...interface{}) {
	z.event(z.log.Warn(), msg, args...)
}

func (z *ZerologLogger) Error(msg string, args ...interface{}) {
	z.event(z.log.Error(), msg, args...)
}

// event applies alternating key/value pairs from args onto e, mirroring
// the orchestrator.Logger variadic contract (args are "key", value, "key",
// value, ...). A trailing unmatched key is logged as a field with a nil
// value rather than dropped.
func (z *ZerologLogger) event(e *zerolog.Event, msg string, args ...interface{}) {
	for i := 0; i+1 < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			continue
		}
		e = e.Interface(key, args[i+1])
	}
	if len(args)%2 == 1 {
		if key, ok := args[len(args)-1].(string); ok {
			e = e.Interface(key, nil)
		}
	}
	e.Msg(msg)
}

var _ orchestrator.Logger = (*ZerologLogger)(nil)
