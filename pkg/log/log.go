package log

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Logger is the process-wide root logger. Its zero value discards
// everything, so packages under test stay silent unless Init ran.
var Logger zerolog.Logger

// Level selects the minimum severity that is emitted.
type Level string

const (
	DebugLevel Level = "debug"
	InfoLevel  Level = "info"
	WarnLevel  Level = "warn"
	ErrorLevel Level = "error"
)

// zerologLevel maps a configured level onto zerolog's scale. Unknown
// values fall back to info.
func (l Level) zerologLevel() zerolog.Level {
	switch l {
	case DebugLevel:
		return zerolog.DebugLevel
	case WarnLevel:
		return zerolog.WarnLevel
	case ErrorLevel:
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// Config controls the root logger's verbosity and format.
type Config struct {
	Level      Level
	JSONOutput bool
	Output     io.Writer // defaults to os.Stdout
}

// Init configures the root logger. JSON output emits one object per line
// for collectors; otherwise a console writer formats for terminals.
// Called once from the server command before anything else logs.
func Init(cfg Config) {
	zerolog.SetGlobalLevel(cfg.Level.zerologLevel())

	out := cfg.Output
	if out == nil {
		out = os.Stdout
	}
	if !cfg.JSONOutput {
		out = zerolog.ConsoleWriter{Out: out, TimeFormat: time.RFC3339}
	}

	Logger = zerolog.New(out).With().Timestamp().Logger()
}

// WithComponent returns a child logger tagged with the subsystem name.
// Entity identifiers (fingerprint, run_id, task_id) are layered on at
// call sites with zerolog's With chain.
func WithComponent(name string) zerolog.Logger {
	return Logger.With().Str("component", name).Logger()
}
