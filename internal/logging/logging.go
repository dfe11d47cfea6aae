// Package logging provides a thin, injected wrapper around
// charmbracelet/log so every component takes a *Logger explicitly rather
// than reaching for a package-level global.
package logging

import (
	"io"
	"os"

	"github.com/charmbracelet/log"
)

// Logger is the structured, leveled logger every component is constructed
// with.
type Logger = log.Logger

// New constructs a Logger writing to w, prefixed with component.
func New(w io.Writer, component string) *Logger {
	l := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		Prefix:          component,
	})
	return l
}

// NewStderr is the conventional constructor for process-level logging.
func NewStderr(component string) *Logger {
	return New(os.Stderr, component)
}

// Nop returns a Logger that discards everything, for tests that don't
// assert on log output.
func Nop() *Logger {
	l := New(io.Discard, "")
	l.SetLevel(log.FatalLevel + 1)
	return l
}
