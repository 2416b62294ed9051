// Package log provides the shared logging setup for sage.
//
// Loggers are injected via constructors rather than pulled from globals.
// Components add context with logger.With("component", ...).
package log

import (
	"io"
	"log/slog"
	"os"
)

// Config controls handler construction.
type Config struct {
	// Level is the minimum level to emit. Default: slog.LevelInfo.
	Level slog.Level

	// JSON switches output to JSON format. Default: text.
	JSON bool

	// AddSource includes source file positions in records.
	AddSource bool
}

// New creates a logger writing to os.Stderr.
func New(cfg Config) *slog.Logger {
	return NewWithWriter(os.Stderr, cfg)
}

// NewWithWriter creates a logger writing to w.
// Mainly useful in tests that want to inspect output.
func NewWithWriter(w io.Writer, cfg Config) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:     cfg.Level,
		AddSource: cfg.AddSource,
	}

	var handler slog.Handler
	if cfg.JSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	return slog.New(handler)
}

// NewNop creates a logger that discards everything. Test use only.
func NewNop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
