package telemetry

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/converge/pkg/engine"
)

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// NewLogger builds the process logger. The returned closer releases the log
// file when Output names one.
func NewLogger(cfg LoggingConfig) (zerolog.Logger, io.Closer, error) {
	var (
		writer io.Writer
		closer io.Closer = nopCloser{}
	)
	switch cfg.Output {
	case "", "stderr":
		writer = os.Stderr
	case "stdout":
		writer = os.Stdout
	default:
		file, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return zerolog.Nop(), nil, engine.NewConfigurationError("failed to open log file", err).
				WithResource(cfg.Output)
		}
		writer, closer = file, file
	}

	return NewLoggerTo(writer, cfg), closer, nil
}

// NewLoggerTo builds a logger writing to w.
func NewLoggerTo(w io.Writer, cfg LoggingConfig) zerolog.Logger {
	if !cfg.JSON {
		w = zerolog.ConsoleWriter{
			Out:        w,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(w).
		Level(parseLogLevel(cfg.Level)).
		With().
		Timestamp().
		Logger()
}

// ComponentLogger returns a child logger tagged with the component name.
func ComponentLogger(logger zerolog.Logger, component string) zerolog.Logger {
	return logger.With().Str("component", component).Logger()
}

// ResourceLogger returns a child logger tagged with a resource identity.
func ResourceLogger(logger zerolog.Logger, r engine.Resource) zerolog.Logger {
	return logger.With().
		Str("resource", r.Name()).
		Str("type", r.Type()).
		Logger()
}

// TransactionLogger returns a child logger tagged with a transaction.
func TransactionLogger(logger zerolog.Logger, tx *engine.Transaction) zerolog.Logger {
	return logger.With().
		Str("transaction_id", tx.ID).
		Str("group", tx.Group).
		Logger()
}

// WithContext stores the logger in the context.
func WithContext(ctx context.Context, logger zerolog.Logger) context.Context {
	return logger.WithContext(ctx)
}

// FromContext retrieves the logger from the context. A disabled logger is
// returned when none was stored.
func FromContext(ctx context.Context) zerolog.Logger {
	return *zerolog.Ctx(ctx)
}

// parseLogLevel converts a string log level to zerolog.Level.
func parseLogLevel(level string) zerolog.Level {
	switch level {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}
