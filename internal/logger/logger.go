package logger

import (
	"io"
	"os"
	"strings"
	"time"

	log "github.com/sirupsen/logrus"
)

// New builds the process logger. format is "json" (default) or "text".
func New(level, format string, out io.Writer) *log.Logger {
	l := log.New()
	if out == nil {
		out = os.Stdout
	}
	l.Out = out

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "text":
		l.Formatter = &log.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		}
	default:
		l.Formatter = &log.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
		}
	}

	lvl, err := log.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = log.InfoLevel
	}
	l.SetLevel(lvl)
	return l
}

// Component returns an entry tagged with the component name, e.g. "scheduled_posts".
func Component(l *log.Logger, name string) *log.Entry {
	if l == nil {
		l = log.StandardLogger()
	}
	return l.WithField("component", name)
}

// Discard is a logger for tests and optional collaborators.
func Discard() *log.Logger {
	l := log.New()
	l.Out = io.Discard
	return l
}

// OrDiscard returns e, or a silent entry when e is nil.
func OrDiscard(e *log.Entry) *log.Entry {
	if e != nil {
		return e
	}
	return log.NewEntry(Discard())
}
