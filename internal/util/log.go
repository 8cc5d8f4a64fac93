// Package util holds the plumbing shared by the duocall agent and relay:
// leveled logging on pterm, the bridge that feeds pion's internal logs into
// it, the traffic counters behind the periodic stats line, and the unbounded
// mailbox that serializes work onto an agent's loop.
package util

import (
	"fmt"

	"github.com/pterm/pterm"
)

func init() {
	pterm.DefaultLogger.ShowTime = true
	pterm.DefaultLogger.TimeFormat = "02 Jan 15:04:05"
	pterm.DefaultLogger.MaxWidth = 1000
}

// logf formats once and hands the line to pterm at the given level. Debug
// lines are formatted only when they will be shown, since pion and the
// negotiation machine log every candidate at that level.
func logf(level pterm.LogLevel, format string, args ...interface{}) {
	l := &pterm.DefaultLogger
	if level == pterm.LogLevelDebug && !DebugEnabled() {
		return
	}
	msg := fmt.Sprintf(format, args...)
	switch level {
	case pterm.LogLevelDebug:
		l.Debug(msg)
	case pterm.LogLevelWarn:
		l.Warn(msg)
	case pterm.LogLevelError:
		l.Error(msg)
	default:
		l.Info(msg)
	}
}

// LogDebug logs negotiation steps, candidate traffic and pion chatter.
func LogDebug(format string, args ...interface{}) { logf(pterm.LogLevelDebug, format, args...) }

// LogInfo logs call lifecycle events: peers joining, calls starting and ending.
func LogInfo(format string, args ...interface{}) { logf(pterm.LogLevelInfo, format, args...) }

// LogSuccess logs a milestone such as a connected call or a listening relay.
func LogSuccess(format string, args ...interface{}) {
	logf(pterm.LogLevelInfo, "✓ "+format, args...)
}

func LogWarning(format string, args ...interface{}) { logf(pterm.LogLevelWarn, format, args...) }

func LogError(format string, args ...interface{}) { logf(pterm.LogLevelError, format, args...) }

// EnableDebug shows debug lines, including pion's internal logs.
func EnableDebug() {
	pterm.DefaultLogger.Level = pterm.LogLevelDebug
}

// DebugEnabled reports whether debug messages are currently shown.
func DebugEnabled() bool {
	lvl := pterm.DefaultLogger.Level
	return lvl == pterm.LogLevelDebug || lvl == pterm.LogLevelTrace
}
