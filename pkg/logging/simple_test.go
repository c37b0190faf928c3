package logging

import (
	"bytes"
	"errors"
	"os"
	"strings"
	"testing"
)

// Test that if writer is nil, the sink defaults to os.Stderr.
func TestDefaultWriter(t *testing.T) {
	s := NewSimpleLogSink(nil, 1, true)
	if s.writer != os.Stderr {
		t.Errorf("expected default writer to be os.Stderr, got %v", s.writer)
	}
}

// Test that the Enabled method returns true only for levels less than or equal to minVerbosity.
func TestEnabled(t *testing.T) {
	s := NewSimpleLogSink(&bytes.Buffer{}, 1, true)
	if !s.Enabled(0) {
		t.Error("expected level 0 to be enabled")
	}
	if !s.Enabled(1) {
		t.Error("expected level 1 to be enabled")
	}
	if s.Enabled(2) {
		t.Error("expected level 2 to be disabled")
	}
}

// Test that Info() writes a properly formatted log message.
func TestInfoLogging(t *testing.T) {
	buf := &bytes.Buffer{}
	s := NewSimpleLogSink(buf, 1, true)
	s.Info(0, "writing image", "device", "/dev/sdb")
	output := buf.String()

	if !strings.Contains(output, "writing image") {
		t.Errorf("expected output to contain message, got %q", output)
	}
	if !strings.Contains(output, "device=/dev/sdb") {
		t.Errorf("expected output to contain key-value pair, got %q", output)
	}
	if !strings.Contains(output, "[INFO]") {
		t.Errorf("expected output to contain [INFO] label, got %q", output)
	}
}

// Test that a log at a level higher than minVerbosity is not written.
func TestInfoNotLoggedWhenDisabled(t *testing.T) {
	buf := &bytes.Buffer{}
	s := NewSimpleLogSink(buf, 0, true)
	s.Info(1, "this should not be logged", "foo", "bar")
	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

// Test that Error() always writes and carries the error value.
func TestErrorLogging(t *testing.T) {
	buf := &bytes.Buffer{}
	s := NewSimpleLogSink(buf, 0, true)
	s.Error(errors.New("short write"), "write failed", "device", "/dev/sdb")
	output := buf.String()

	if !strings.Contains(output, "[ERROR]") {
		t.Errorf("expected [ERROR] label, got %q", output)
	}
	if !strings.Contains(output, "short write") {
		t.Errorf("expected error text, got %q", output)
	}
}

// Test that WithName prefixes messages and nests names.
func TestWithName(t *testing.T) {
	buf := &bytes.Buffer{}
	s := NewSimpleLogSink(buf, 0, true)
	named := s.WithName("burner").(*SimpleLogSink)
	named.Info(0, "starting")
	if !strings.Contains(buf.String(), "[burner]") {
		t.Errorf("expected name prefix, got %q", buf.String())
	}

	buf.Reset()
	nested := named.WithName("stream").(*SimpleLogSink)
	nested.Info(0, "starting")
	if !strings.Contains(buf.String(), "[burner.stream]") {
		t.Errorf("expected nested name prefix, got %q", buf.String())
	}
}

// Test that bound values from WithValues appear on every line.
func TestWithValues(t *testing.T) {
	buf := &bytes.Buffer{}
	s := NewSimpleLogSink(buf, 0, true)
	bound := s.WithValues("run", 7).(*SimpleLogSink)
	bound.Info(0, "tick")
	if !strings.Contains(buf.String(), "run=7") {
		t.Errorf("expected bound pair, got %q", buf.String())
	}
}
