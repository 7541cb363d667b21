package training

import (
	"io"
	"log/slog"
)

// NewLogger returns a structured slog.Logger writing to w.
// JSON output suits log collection; text output suits a terminal.
func NewLogger(w io.Writer, level slog.Leveler, json bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if json {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
