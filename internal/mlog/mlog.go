// Package mlog wraps a structured logrus logger with the small set of
// package-level helpers the teacher's pkg/logger exposed (Debug/Info/Warn/
// Error/Section), swapping its hand-rolled ANSI coloring for logrus fields
// so per-connection context (conn id and public fd, via For) travels with
// every line instead of living only in a format string.
package mlog

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
)

var base = newBase()

func newBase() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stderr)
	l.SetFormatter(&logrus.TextFormatter{FullTimestamp: true, TimestampFormat: "15:04:05"})
	l.SetLevel(logrus.InfoLevel)
	return l
}

// SetLevel sets the minimum log level by name ("debug", "info", "warn",
// "error"), matching the teacher's SetLevel(level int) shape.
func SetLevel(level string) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	base.SetLevel(lvl)
}

// Fields is a type alias so callers don't need to import logrus directly.
type Fields = logrus.Fields

// For returns a logger entry scoped to a connection, the way every dispatcher
// and sender log line in this module identifies itself.
func For(connID string, publicFD int) *logrus.Entry {
	return base.WithFields(Fields{"conn": connID, "fd": publicFD})
}

// Debug logs at debug level with no connection scope (startup/teardown of
// process-wide resources like the socket table).
func Debug(format string, args ...interface{}) { base.Debugf(format, args...) }

// Info logs at info level with no connection scope.
func Info(format string, args ...interface{}) { base.Infof(format, args...) }

// Warn logs at warn level with no connection scope.
func Warn(format string, args ...interface{}) { base.Warnf(format, args...) }

// Error logs at error level with no connection scope.
func Error(format string, args ...interface{}) { base.Errorf(format, args...) }

// Section prints a banner-style section header for CLI startup, matching
// the teacher's pkg/logger.Section but without the ANSI box-drawing.
func Section(title string) {
	fmt.Fprintf(os.Stderr, "=== %s ===\n", title)
}
