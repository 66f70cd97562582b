package log

import (
	stdlog "log"
	"strings"
)

// stdWriter adapts a Logger to io.Writer for the standard library logger.
type stdWriter struct {
	l Logger
}

func (w stdWriter) Write(p []byte) (int, error) {
	msg := strings.TrimRight(string(p), "\n")
	if msg != "" {
		w.l.Info(msg, Str("source", "stdlog"))
	}
	return len(p), nil
}

// ToStdLogger returns a *log.Logger that forwards to l at info level.
func ToStdLogger(l Logger) *stdlog.Logger {
	return stdlog.New(stdWriter{l: l}, "", 0)
}

// RedirectStdLog routes the global standard library logger into l.
func RedirectStdLog(l Logger) {
	stdlog.SetFlags(0)
	stdlog.SetPrefix("")
	stdlog.SetOutput(stdWriter{l: l})
}
