package util

import (
	"bytes"
	"strings"
	"testing"

	"github.com/pterm/pterm"
)

// captureLog redirects the default logger into a buffer for one test.
func captureLog(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prevWriter, prevLevel := pterm.DefaultLogger.Writer, pterm.DefaultLogger.Level
	pterm.DefaultLogger.Writer = &buf
	pterm.DefaultLogger.Level = pterm.LogLevelInfo
	t.Cleanup(func() {
		pterm.DefaultLogger.Writer = prevWriter
		pterm.DefaultLogger.Level = prevLevel
	})
	return &buf
}

func TestDebugHiddenUntilEnabled(t *testing.T) {
	buf := captureLog(t)

	LogDebug("candidate %d queued", 1)
	if strings.Contains(buf.String(), "candidate 1 queued") {
		t.Fatalf("debug line shown at info level: %q", buf.String())
	}
	if DebugEnabled() {
		t.Fatal("DebugEnabled at info level")
	}

	EnableDebug()
	LogDebug("candidate %d queued", 2)
	if !strings.Contains(buf.String(), "candidate 2 queued") {
		t.Fatalf("debug line missing after EnableDebug: %q", buf.String())
	}
}

func TestPionInfoDemotedToDebug(t *testing.T) {
	buf := captureLog(t)
	l := PionLoggerFactory{}.NewLogger("ice")

	l.Infof("gathering %s", "host")
	if buf.Len() != 0 {
		t.Fatalf("pion info shown at info level: %q", buf.String())
	}

	l.Warnf("lost %s", "srflx")
	if out := buf.String(); !strings.Contains(out, "[pion/ice] lost srflx") {
		t.Fatalf("pion warning = %q", out)
	}
}

func TestLogLevels(t *testing.T) {
	buf := captureLog(t)

	LogInfo("peer %s joined", "bob")
	LogSuccess("connected to %s", "bob")
	LogWarning("ignoring %s", "offer")
	LogError("relay %s", "gone")

	out := buf.String()
	for _, want := range []string{"peer bob joined", "✓ connected to bob", "ignoring offer", "relay gone"} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %q:\n%s", want, out)
		}
	}
}
