// Package logging bridges the engine's log calls to logrus without tying
// callers to a concrete logrus type.
package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// Logger is the minimal surface the engine needs from a log sink. Callers
// that already have a *logrus.Entry or *logrus.Logger satisfy it directly.
type Logger interface {
	logrus.FieldLogger
	Writer() *io.PipeWriter
}

// Default returns a Logger backed by logrus's standard logger.
func Default() Logger {
	return logrus.NewEntry(logrus.StandardLogger())
}
