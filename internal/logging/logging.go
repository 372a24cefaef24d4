package logging

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// New creates a JSON logger writing to stdout at the given level.
// Unknown levels fall back to info.
func New(level string) *logrus.Logger {
	return NewWithOutput(level, os.Stdout)
}

// NewWithOutput is New with a custom writer
func NewWithOutput(level string, out io.Writer) *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(&logrus.JSONFormatter{})
	logger.SetOutput(out)

	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logger.SetLevel(lvl)
	return logger
}

// Discard returns a logger that drops every entry
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

// Module returns a child logger tagged with the module name
func Module(logger logrus.FieldLogger, module string) logrus.FieldLogger {
	if logger == nil {
		logger = Discard()
	}
	return logger.WithField("module", module)
}

// LogError logs err with the function and context that produced it
func LogError(logger logrus.FieldLogger, funcName string, context string, data any, err error) {
	fields := logrus.Fields{
		"funcName": funcName,
		"context":  context,
	}
	if data != nil {
		fields["data"] = data
	}
	logger.WithFields(fields).Error(err.Error())
}
