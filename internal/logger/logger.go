// Package logger wraps zerolog with the service-wide defaults.
package logger

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// Config captures options for the service logger.
type Config struct {
	Level       string
	Environment string
	ServiceName string
	Version     string
	Output      io.Writer // defaults to os.Stdout
}

// Logger is the service logger. The embedded zerolog.Logger is used directly
// by callers (log.Info().Str(...).Msg(...)).
type Logger struct {
	zerolog.Logger
}

// New builds a Logger. Development environments get human-readable console
// output, everything else emits JSON.
func New(cfg Config) *Logger {
	level := zerolog.InfoLevel
	if cfg.Level != "" {
		if parsed, err := zerolog.ParseLevel(cfg.Level); err == nil {
			level = parsed
		}
	}
	zerolog.TimeFieldFormat = time.RFC3339

	var w io.Writer = os.Stdout
	if cfg.Output != nil {
		w = cfg.Output
	}
	if cfg.Environment == "development" || cfg.Environment == "local" {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}

	l := zerolog.New(w).Level(level).With().
		Timestamp().
		Str("service", cfg.ServiceName).
		Str("version", cfg.Version).
		Str("environment", cfg.Environment).
		Logger()
	return &Logger{Logger: l}
}

// Nop returns a logger that discards everything.
func Nop() *Logger {
	return &Logger{Logger: zerolog.Nop()}
}

// WithComponent returns a child logger annotated with the component name.
func (l *Logger) WithComponent(component string) *Logger {
	return &Logger{Logger: l.With().Str("component", component).Logger()}
}
