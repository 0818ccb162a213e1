package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestLevel_String(t *testing.T) {
	tests := []struct {
		level    Level
		expected string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.expected {
			t.Errorf("Level(%d).String() = %q, expected %q", tt.level, got, tt.expected)
		}
	}
}

func TestParseLevel(t *testing.T) {
	tests := []struct {
		input    string
		expected Level
	}{
		{"debug", LevelDebug},
		{"VERBOSE", LevelDebug},
		{"info", LevelInfo},
		{"warning", LevelWarn},
		{"ERROR", LevelError},
		{"", LevelInfo},
	}

	for _, tt := range tests {
		if got := ParseLevel(tt.input); got != tt.expected {
			t.Errorf("ParseLevel(%q) = %v, expected %v", tt.input, got, tt.expected)
		}
	}
}

func TestLogger_LevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf, Prefix: "test"})

	logger.Debug("hidden")
	logger.Info("shown %d", 1)

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Errorf("debug message should be filtered: %q", out)
	}
	if !strings.Contains(out, "[INFO] test: shown 1") {
		t.Errorf("missing info line: %q", out)
	}
}

func TestLogger_SetVerboseAppliesToDerived(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelInfo, Output: &buf})
	child := logger.WithComponent("folder")

	logger.SetVerbose(true)
	child.Debug("verbose line")

	if !strings.Contains(buf.String(), "verbose line") {
		t.Errorf("derived logger should follow parent level: %q", buf.String())
	}
	if !child.Verbose() {
		t.Error("Verbose() should be true")
	}
}

func TestLogger_Fields(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelDebug, Output: &buf})

	logger.WithFields(map[string]any{"b": 2, "a": 1}).Warn("msg")

	if !strings.Contains(buf.String(), "msg {a=1, b=2}") {
		t.Errorf("fields not rendered in sorted order: %q", buf.String())
	}
}

func TestLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	logger := New(Config{Level: LevelError, Output: &buf})

	logger.Log("raw stderr line")

	if buf.String() != "raw stderr line\n" {
		t.Errorf("Log() wrote %q", buf.String())
	}
}

func TestDiscard(t *testing.T) {
	logger := Discard()
	logger.Error("nothing")
	logger.Log("nothing")
}
