package util

import (
	"fmt"

	"github.com/pion/logging"
)

// PionLoggerFactory routes pion's internal logging (ICE, DTLS, SCTP, …) to
// the pterm logger. pion's info level is chatty, so it is demoted to debug.
type PionLoggerFactory struct{}

var _ logging.LoggerFactory = PionLoggerFactory{}

// NewLogger implements logging.LoggerFactory.
func (PionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{scope: scope}
}

type pionLogger struct {
	scope string
}

func (l *pionLogger) prefix(msg string) string {
	return fmt.Sprintf("[pion/%s] %s", l.scope, msg)
}

func (l *pionLogger) Trace(msg string) {}

func (l *pionLogger) Tracef(format string, args ...interface{}) {}

func (l *pionLogger) Debug(msg string) { LogDebug("%s", l.prefix(msg)) }

func (l *pionLogger) Debugf(format string, args ...interface{}) {
	LogDebug("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Info(msg string) { LogDebug("%s", l.prefix(msg)) }

func (l *pionLogger) Infof(format string, args ...interface{}) {
	LogDebug("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Warn(msg string) { LogWarning("%s", l.prefix(msg)) }

func (l *pionLogger) Warnf(format string, args ...interface{}) {
	LogWarning("%s", l.prefix(fmt.Sprintf(format, args...)))
}

func (l *pionLogger) Error(msg string) { LogError("%s", l.prefix(msg)) }

func (l *pionLogger) Errorf(format string, args ...interface{}) {
	LogError("%s", l.prefix(fmt.Sprintf(format, args...)))
}
