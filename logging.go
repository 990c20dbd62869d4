package ttypcm

import (
	"fmt"
	"io"
	"log/slog"
	"os"
)

// LoggingConfig selects the level, format and destination of log output.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
}

// Validate checks level and format names.
func (l LoggingConfig) Validate() error {
	switch l.Level {
	case "", "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("%w: invalid log level %q", ErrConfig, l.Level)
	}
	switch l.Format {
	case "", "text", "json":
	default:
		return fmt.Errorf("%w: invalid log format %q", ErrConfig, l.Format)
	}
	return nil
}

// NewLogger builds a structured logger. When w is nil the destination comes
// from cfg.Output: "stdout", "stderr" (default) or a file path opened for
// appending; the returned closer releases that file.
func NewLogger(cfg LoggingConfig, w io.Writer) (*slog.Logger, io.Closer, error) {
	var closer io.Closer = nopCloser{}
	if w == nil {
		switch cfg.Output {
		case "", "stderr":
			w = os.Stderr
		case "stdout":
			w = os.Stdout
		default:
			f, err := os.OpenFile(cfg.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err != nil {
				return nil, nil, fmt.Errorf("open log file %s: %w", cfg.Output, err)
			}
			w, closer = f, f
		}
	}

	var level slog.Level
	switch cfg.Level {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler), closer, nil
}

// discardLogger is used when a caller passes no logger.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }
