package monitoring

import (
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestSetLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	called := false
	SetLogger(func(format string, v ...interface{}) {
		called = true
	})
	Logf("test message")
	if !called {
		t.Error("Custom logger was not called")
	}

	// nil installs a no-op logger
	called = false
	SetLogger(nil)
	Logf("test message")
	if called {
		t.Error("No-op logger should not have triggered callback")
	}
}

func TestLogf_Default(t *testing.T) {
	if Logf == nil {
		t.Error("Logf should not be nil by default")
	}
}

func TestLimitedLogger(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	l := NewLimitedLogger("[Loop]", time.Hour, 2)
	for i := 0; i < 5; i++ {
		l.Logf("overrun %d", i)
	}

	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	if !strings.HasPrefix(lines[0], "[Loop] overrun 0") {
		t.Errorf("unexpected first line %q", lines[0])
	}
	if got := l.Suppressed(); got != 3 {
		t.Errorf("Suppressed() = %d, want 3", got)
	}
}

func TestLimitedLogger_ReportsSuppressed(t *testing.T) {
	original := Logf
	defer func() { Logf = original }()

	var lines []string
	SetLogger(func(format string, v ...interface{}) {
		lines = append(lines, fmt.Sprintf(format, v...))
	})

	l := NewLimitedLogger("", time.Millisecond, 1)
	l.Logf("first")
	l.Logf("dropped")
	time.Sleep(5 * time.Millisecond)
	l.Logf("second")

	if len(lines) != 2 {
		t.Fatalf("got %d lines, want 2: %v", len(lines), lines)
	}
	if !strings.Contains(lines[1], "(1 similar suppressed)") {
		t.Errorf("second line should report suppression, got %q", lines[1])
	}
}
