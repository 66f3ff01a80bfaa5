// Copyright The OpenTelemetry Authors
// SPDX-License-Identifier: Apache-2.0

// Package log is the logging facade used by all cfiextract packages.
package log // import "go.opentelemetry.io/cfiextract/internal/log"

import (
	"io"
	"os"
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// globalLogger holds a reference to the [logrus.Logger] used within
// go.opentelemetry.io/cfiextract.
//
// The default logger writes text formatted entries to stderr at Info level.
var globalLogger = func() *atomic.Pointer[logrus.Logger] {
	p := new(atomic.Pointer[logrus.Logger])
	p.Store(newLogger(os.Stderr, logrus.InfoLevel))
	return p
}()

func newLogger(out io.Writer, level logrus.Level) *logrus.Logger {
	l := logrus.New()
	l.SetOutput(out)
	l.SetLevel(level)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})
	return l
}

// SetLevel changes the level of the global logger. The CLI raises it to
// debug for verbose mode.
func SetLevel(level logrus.Level) {
	getLogger().SetLevel(level)
}

func getLogger() *logrus.Logger {
	return globalLogger.Load()
}

// IsDebug reports whether debug-level messages are emitted.
func IsDebug() bool {
	return getLogger().IsLevelEnabled(logrus.DebugLevel)
}

// Infof logs informational messages.
func Infof(msg string, args ...any) {
	getLogger().Infof(msg, args...)
}

// Errorf logs error messages.
func Errorf(msg string, args ...any) {
	getLogger().Errorf(msg, args...)
}

// Error logs an error.
func Error(err error) {
	getLogger().Error(err.Error())
}

// Debugf logs detailed debugging information. Degraded decoding results
// (skipped entries, dropped rules) are reported at this level.
func Debugf(msg string, args ...any) {
	getLogger().Debugf(msg, args...)
}

// Debug logs detailed debugging information.
func Debug(msg string) {
	getLogger().Debug(msg)
}

// Warnf logs warnings: not errors, but likely more important than
// informational messages.
func Warnf(msg string, args ...any) {
	getLogger().Warnf(msg, args...)
}

// WithField returns an entry carrying one structured field.
func WithField(key string, value any) *logrus.Entry {
	return getLogger().WithField(key, value)
}
