package util

import (
	"bytes"
	"os"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetLogLevel(t *testing.T) {
	defer Logger.SetLevel(logrus.InfoLevel)

	if err := SetLogLevel("debug"); err != nil {
		t.Fatalf("SetLogLevel(debug) error: %v", err)
	}
	if Logger.GetLevel() != logrus.DebugLevel {
		t.Errorf("level = %v, want debug", Logger.GetLevel())
	}
	if err := SetLogLevel("bogus"); err == nil {
		t.Error("SetLogLevel(bogus) should fail")
	}
}

func TestWithDevice(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)

	WithDevice("leaf1").Info("Connecting")
	out := buf.String()
	if !strings.Contains(out, "device=leaf1") {
		t.Errorf("log output missing device field: %q", out)
	}
	if !strings.Contains(out, "Connecting") {
		t.Errorf("log output missing message: %q", out)
	}
}

func TestWithTransaction(t *testing.T) {
	var buf bytes.Buffer
	SetLogOutput(&buf)
	defer SetLogOutput(os.Stderr)

	WithTransaction(42).Info("terminated")
	if !strings.Contains(buf.String(), "tid=42") {
		t.Errorf("log output missing tid field: %q", buf.String())
	}
}
