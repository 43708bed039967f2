// Package logx centralizes logrus setup: one logger per process, one
// component-scoped entry per subsystem.
package logx

import (
	"os"

	"github.com/sirupsen/logrus"
)

// base is the single logrus.Logger shared by every component entry, so that
// SetLevel affects every already-created *logrus.Entry.
var base = func() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	return l
}()

// New returns a component-scoped logrus entry.
func New(component string) *logrus.Entry {
	return base.WithField("component", component)
}

// SetLevel adjusts the shared logger's level, used by cmd/discorod's
// --verbose flag.
func SetLevel(level logrus.Level) {
	base.SetLevel(level)
}
