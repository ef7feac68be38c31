// Package vmmlog centralizes the structured-logging conventions used
// across the hypervisor core: info for lifecycle events, warn for
// unhandled-but-ignorable I/O, error for fatal host-syscall failures.
package vmmlog

import (
	"log/slog"
	"os"
)

// New returns a text-handler logger writing to os.Stderr at the given
// level. Debug-level tracing is only enabled by the CLI's -debug flag.
func New(debug bool) *slog.Logger {
	level := slog.LevelInfo
	if debug {
		level = slog.LevelDebug
	}
	h := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	return slog.New(h)
}

// Discard is a logger that drops everything, used by tests that don't
// want hypervisor lifecycle noise on their own output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(discardWriter{}, &slog.HandlerOptions{Level: slog.LevelError + 1}))
}

type discardWriter struct{}

func (discardWriter) Write(p []byte) (int, error) { return len(p), nil }
