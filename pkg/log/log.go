// Package log configures CoralKM's global zerolog logger and the per-role,
// per-message child loggers the protocol engine and its handlers derive from
// it. Unlike a store keyed by bare entity IDs, every unit of work in this
// repo arrives as a message.Message flowing through a role-scoped
// engine.ProtocolEngine, so the child-logger surface is shaped around that:
// one identity-scoped logger per long-lived component, and one
// message-scoped logger per inbound message a handler is reacting to.
package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/coralstack/coralkm/pkg/message"
	"github.com/coralstack/coralkm/pkg/types"
)

// Logger is the process-wide root logger. Init must run before any
// component calls WithComponent, WithIdentity, or ForMessage.
var Logger zerolog.Logger

// Level selects zerolog's verbosity.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// Config controls Init.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer
}

// Init configures the global logger: JSON for production/container
// deployment, a console writer for interactive demo runs.
func Init(cfg Config) {
	var level zerolog.Level
	switch cfg.Level {
	case DebugLevel:
		level = zerolog.DebugLevel
	case InfoLevel:
		level = zerolog.InfoLevel
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
		output = os.Stdout
	}

	if cfg.JSONOutput {
		Logger = zerolog.New(output).With().Timestamp().Logger()
	} else {
		Logger = zerolog.New(zerolog.ConsoleWriter{
			Out:        output,
			TimeFormat: time.RFC3339,
		}).With().Timestamp().Logger()
	}
}

// WithComponent scopes the logger to a package-level subsystem (engine,
// sharemanager, recovery, namespacesync, ...), independent of which identity
// is running it.
func WithComponent(component string) zerolog.Logger {
	return Logger.With().Str("component", component).Logger()
}

// WithIdentity scopes the logger to the wallet/gateway/guardian identity a
// long-lived component (a ProtocolEngine, a WalletFacade) is acting as. It
// takes types.Identity rather than a bare string since every party in this
// protocol is addressed that way on the wire.
func WithIdentity(identity types.Identity) zerolog.Logger {
	return Logger.With().Str("identity", string(identity)).Logger()
}

// ForMessage scopes a logger to one inbound message.Message: its type, who
// sent it, who it was addressed to, and the thread it correlates with, if
// any. Handlers reacting to a single message use this instead of assembling
// the same fields by hand at every call site.
func ForMessage(msg message.Message) zerolog.Logger {
	to := make([]string, len(msg.To))
	for i, id := range msg.To {
		to[i] = string(id)
	}

	ctx := Logger.With().
		Str("msg_type", msg.Type).
		Str("from", string(msg.From)).
		Strs("to", to)
	if msg.Thid != nil {
		ctx = ctx.Str("thid", msg.Thid.String())
	}
	return ctx.Logger()
}

func Info(msg string) {
	Logger.Info().Msg(msg)
}

func Debug(msg string) {
	Logger.Debug().Msg(msg)
}

func Warn(msg string) {
	Logger.Warn().Msg(msg)
}

func Error(msg string) {
	Logger.Error().Msg(msg)
}

func Errorf(format string, err error) {
	Logger.Error().Err(err).Msg(format)
}

func Fatal(msg string) {
	Logger.Fatal().Msg(msg)
}
