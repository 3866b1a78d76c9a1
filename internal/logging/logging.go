// Package logging builds the process logger.
package logging

import (
	"io"
	"log/slog"
)

// Format selects the handler.
type Format int

const (
	// Text suits interactive CLI use.
	Text Format = iota
	// JSON suits the long-running server.
	JSON
)

// New returns a logger writing to w. Debug lowers the level to debug, which
// includes toolchain and docker argv.
func New(w io.Writer, format Format, debug bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: slog.LevelInfo}
	if debug {
		opts.Level = slog.LevelDebug
	}
	var h slog.Handler = slog.NewTextHandler(w, opts)
	if format == JSON {
		h = slog.NewJSONHandler(w, opts)
	}
	return slog.New(h).With("service", "vpnpki")
}

// Discard returns a logger that drops everything.
func Discard() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}
