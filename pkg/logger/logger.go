// Package logger provides structured, component-scoped logging for the
// gateway. It is a thin wrapper around logrus so call sites can chain
// WithField/WithError without importing logrus directly.
package logger

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// Logger is a component-scoped structured logger. It embeds a logrus entry,
// so the full logrus chaining API (WithField, WithError, Infof, ...) is
// available on it.
type Logger struct {
	*logrus.Entry

	base *logrus.Logger
}

// New creates a logger for the named component at the given level.
func New(component string, level logrus.Level) *Logger {
	base := logrus.New()
	base.SetOutput(os.Stdout)
	base.SetLevel(level)
	base.SetFormatter(&logrus.JSONFormatter{
		TimestampFormat: "2006-01-02T15:04:05.000Z07:00",
	})
	return &Logger{
		Entry: base.WithField("component", component),
		base:  base,
	}
}

// NewDefault creates a logger for the named component at the level named by
// the LOG_LEVEL environment variable, defaulting to info.
func NewDefault(component string) *Logger {
	return New(component, levelFromEnv())
}

// Named returns a child logger scoped to a sub-component. Fields already set
// on the parent are kept.
func (l *Logger) Named(sub string) *Logger {
	parent, _ := l.Entry.Data["component"].(string)
	name := sub
	if parent != "" {
		name = parent + "." + sub
	}
	return &Logger{
		Entry: l.Entry.WithField("component", name),
		base:  l.base,
	}
}

// SetOutput redirects the logger's output. Used by tests to capture or
// silence log lines.
func (l *Logger) SetOutput(w io.Writer) {
	l.base.SetOutput(w)
}

// SetLevel changes the minimum emitted level.
func (l *Logger) SetLevel(level logrus.Level) {
	l.base.SetLevel(level)
}

func levelFromEnv() logrus.Level {
	raw := strings.TrimSpace(os.Getenv("LOG_LEVEL"))
	if raw == "" {
		return logrus.InfoLevel
	}
	level, err := logrus.ParseLevel(raw)
	if err != nil {
		return logrus.InfoLevel
	}
	return level
}
