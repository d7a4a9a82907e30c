package lwk

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"
)

// logger is the package-level logger. A nil value falls back to a cached
// entry derived from the logrus standard logger.
var logger atomic.Pointer[logrus.Entry]

var defaultLogger atomic.Pointer[logrus.Entry]

// Logger returns the logger used by all golwk packages.
func Logger() *logrus.Entry {
	if l := logger.Load(); l != nil {
		return l
	}

	if l := defaultLogger.Load(); l != nil {
		return l
	}

	l := logrus.StandardLogger().WithField("component", "golwk")
	if defaultLogger.CompareAndSwap(nil, l) {
		return l
	}

	if l2 := defaultLogger.Load(); l2 != nil {
		return l2
	}

	return l
}

// SetLogger replaces the logger. A nil l restores the default.
func SetLogger(l *logrus.Entry) {
	logger.Store(l)
	defaultLogger.Store(nil)
}
