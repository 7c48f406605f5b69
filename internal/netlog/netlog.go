// Package netlog is a thin wrapper over the standard log package that
// prefixes every line with a component tag, matching the plain log/fmt
// diagnostic style the composition layers and cmd entry points use
// elsewhere in this module. No structured-logging library is imported:
// nothing in the teacher's non-test CLI code reaches for one either.
package netlog

import (
	"log"

	"github.com/quietproxy/snet/internal/errs"
)

// Logger writes component-prefixed lines to the standard logger.
type Logger struct {
	prefix string
}

// New returns a Logger that prefixes every line with "[component] ".
func New(component string) *Logger {
	return &Logger{prefix: "[" + component + "] "}
}

func (l *Logger) Printf(format string, args ...any) {
	log.Printf(l.prefix+format, args...)
}

func (l *Logger) Print(args ...any) {
	log.Print(append([]any{l.prefix}, args...)...)
}

// categories is the order Error checks in when tagging a log line; the
// first match wins.
var categories = []errs.Category{
	errs.PeerClosed, errs.Timeout, errs.Resolve,
	errs.Protocol, errs.Config, errs.Transient, errs.FatalIO,
}

// Error logs err alongside a short description. If err is nil this is a
// no-op, so call sites can log unconditionally in defer/cleanup paths.
// When err is (or wraps) an *errs.Error, the line is tagged with its
// category so an operator can grep logs by class of failure without
// parsing the message text.
func (l *Logger) Error(msg string, err error) {
	if err == nil {
		return
	}
	for _, cat := range categories {
		if errs.Is(err, cat) {
			log.Printf("%s%s [%s]: %v", l.prefix, msg, cat, err)
			return
		}
	}
	log.Printf("%s%s: %v", l.prefix, msg, err)
}
