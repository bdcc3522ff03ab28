// Package logging builds the per-component slog.Logger used across the
// engine, one logger per subsystem with interpolated fields (peer
// address, piece index, message id) carried as structured attributes
// rather than baked into the message string.
package logging

import (
	"log/slog"
	"os"
)

var level = new(slog.LevelVar) // zero value is slog.LevelInfo

var base = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
	Level: level,
}))

// SetLevel adjusts the minimum level of the whole tree of component
// loggers returned by For. Called once at startup from cmd/btclient.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// For returns a logger tagged with a "component" attribute.
func For(component string) *slog.Logger {
	return base.With(slog.String("component", component))
}
