// Package logging builds the process logger: a logr facade over the standard
// library log package via stdr.
package logging

import (
	"io"
	"log"
	"os"

	"github.com/go-logr/logr"
	"github.com/go-logr/stdr"
)

// New returns a logger named after the service writing to w. V(n) lines are
// printed when n <= verbosity.
func New(service string, w io.Writer, verbosity int) logr.Logger {
	if w == nil {
		w = os.Stderr
	}
	stdr.SetVerbosity(verbosity)
	std := log.New(w, "", log.LstdFlags|log.LUTC|log.Lmicroseconds)
	return stdr.NewWithOptions(std, stdr.Options{LogCaller: stdr.Error}).WithName(service)
}

// TokenPrefix returns a printable prefix of a bearer token.
func TokenPrefix(token string) string {
	const n = 20
	if len(token) <= n {
		return token + "..."
	}
	return token[:n] + "..."
}
