// Package logging provides a thin per-component wrapper over the
// standard library logger, in the style of the teacher's direct
// log.Println/log.Printf calls throughout hub.go/topic.go/session.go.
package logging

import (
	"log"
	"os"
)

// Logger prefixes every line with a component tag, e.g. "controller: "
// or "node[n1]: ", matching hub.go's "hub: invalid access mode ..." style.
type Logger struct {
	*log.Logger
}

// New returns a Logger that writes to stderr with the given component tag.
func New(component string) *Logger {
	return &Logger{log.New(os.Stderr, component+": ", log.LstdFlags)}
}

// With returns a derived logger with an additional suffix appended to
// the component tag, e.g. base.With("n1") for per-node log lines.
func (l *Logger) With(suffix string) *Logger {
	return &Logger{log.New(l.Writer(), l.Prefix()+suffix+": ", log.LstdFlags)}
}
