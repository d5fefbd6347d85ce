package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// ComponentLogger provides structured logging for the pipeline components
type ComponentLogger struct {
	logger zerolog.Logger
}

// NewComponentLogger creates a component-specific logger with consistent context
func NewComponentLogger(componentName, version string) *ComponentLogger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.SetGlobalLevel(levelFromEnv(os.Getenv("LOG_LEVEL")))

	var out io.Writer = os.Stderr
	// Console output for development
	if os.Getenv("ENVIRONMENT") != "production" {
		out = zerolog.ConsoleWriter{
			Out:        os.Stderr,
			TimeFormat: time.RFC3339,
		}
	}

	return New(out, componentName, version)
}

// New creates a logger writing JSON lines to w.
func New(w io.Writer, componentName, version string) *ComponentLogger {
	logger := zerolog.New(w).With().
		Timestamp().
		Str("component", componentName).
		Str("version", version).
		Logger()

	return &ComponentLogger{logger: logger}
}

// Nop returns a logger that discards everything.
func Nop() *ComponentLogger {
	return &ComponentLogger{logger: zerolog.Nop()}
}

func levelFromEnv(level string) zerolog.Level {
	switch level {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// With returns a child logger carrying an extra string field.
func (cl *ComponentLogger) With(key, value string) *ComponentLogger {
	return &ComponentLogger{logger: cl.logger.With().Str(key, value).Logger()}
}

// Zerolog exposes the underlying logger for libraries that need it.
func (cl *ComponentLogger) Zerolog() zerolog.Logger {
	return cl.logger
}

func (cl *ComponentLogger) Info() *zerolog.Event {
	return cl.logger.Info()
}

func (cl *ComponentLogger) Error() *zerolog.Event {
	return cl.logger.Error()
}

func (cl *ComponentLogger) Warn() *zerolog.Event {
	return cl.logger.Warn()
}

func (cl *ComponentLogger) Debug() *zerolog.Event {
	return cl.logger.Debug()
}

// LogStartup logs service startup with structured fields
func (cl *ComponentLogger) LogStartup(config StartupConfig) {
	cl.Info().
		Str("engine", config.Engine).
		Strs("coins", config.Coins).
		Str("vs_currency", config.VsCurrency).
		Str("schedule", config.Schedule).
		Str("state_file", config.StateFile).
		Msg("Starting coingecko lake pipeline")
}

// LogTableWrite logs the outcome of a table store write
func (cl *ComponentLogger) LogTableWrite(table, path, outcome string, rows int, duration time.Duration) {
	cl.Info().
		Str("table", table).
		Str("path", path).
		Str("outcome", outcome).
		Int("rows", rows).
		Dur("duration", duration).
		Msg("Table write completed")
}

// StartupConfig represents service startup configuration
type StartupConfig struct {
	Engine     string
	Coins      []string
	VsCurrency string
	Schedule   string
	StateFile  string
}
