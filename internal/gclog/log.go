// Package gclog centralizes the collector's diagnostic logging.
//
// Every subsystem tags its entries with a "component" field so a single
// logrus output stream can be filtered per component (epoch, mark, sweep,
// finalize, orchestrator) the way the teacher runtime tags its println
// diagnostics with a "runtime: <subsystem>" prefix.
package gclog

import (
	"os"
	"sync"

	"github.com/sirupsen/logrus"
)

var (
	once sync.Once
	base *logrus.Logger
)

func root() *logrus.Logger {
	once.Do(func() {
		base = logrus.New()
		base.SetOutput(os.Stderr)
		base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
		base.SetLevel(logrus.InfoLevel)
	})
	return base
}

// SetLevel adjusts the global log level, e.g. for verbose demo runs.
func SetLevel(level logrus.Level) {
	root().SetLevel(level)
}

// SetLevelName parses name (e.g. "debug", "info") and applies it, falling
// back to info on an unrecognized name.
func SetLevelName(name string) {
	level, err := logrus.ParseLevel(name)
	if err != nil {
		level = logrus.InfoLevel
	}
	SetLevel(level)
}

// For returns a logger pre-tagged with the owning component's name.
func For(component string) *logrus.Entry {
	return root().WithField("component", component)
}
