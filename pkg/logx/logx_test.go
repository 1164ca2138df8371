package logx

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
)

func captureOutput(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	SetOutput(&buf)
	t.Cleanup(func() { SetOutput(nil) })
	return &buf
}

func withDebug(t *testing.T, enabled bool, domains []string) {
	t.Helper()
	SetDebug(enabled, domains)
	t.Cleanup(func() { SetDebug(false, nil) })
}

func TestLogFormat(t *testing.T) {
	buf := captureOutput(t)

	NewLogger("dispatch").Info("queued %s", "npc_dialogue")

	out := buf.String()
	if !strings.Contains(out, "[dispatch] INFO: queued npc_dialogue") {
		t.Errorf("unexpected log line: %q", out)
	}
	if !strings.HasPrefix(out, "[") || !strings.Contains(out, "Z]") {
		t.Errorf("expected ISO timestamp prefix, got: %q", out)
	}
}

func TestLogLevels(t *testing.T) {
	buf := captureOutput(t)
	withDebug(t, true, nil)
	logger := NewLogger("levels")

	tests := []struct {
		logFunc  func(string, ...any)
		expected string
	}{
		{logger.Debug, "DEBUG"},
		{logger.Info, "INFO"},
		{logger.Warn, "WARN"},
		{logger.Error, "ERROR"},
	}

	for _, tt := range tests {
		buf.Reset()
		tt.logFunc("message")
		if !strings.Contains(buf.String(), tt.expected+": message") {
			t.Errorf("expected level %s in %q", tt.expected, buf.String())
		}
	}
}

func TestDebugSuppressedWhenDisabled(t *testing.T) {
	buf := captureOutput(t)
	withDebug(t, false, nil)

	NewLogger("quiet").Debug("hidden")
	Debug(context.Background(), "dispatch", "hidden too")

	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestDomainFiltering(t *testing.T) {
	buf := captureOutput(t)
	withDebug(t, true, []string{"failover", " batch "})

	ctx := ContextWithComponent(context.Background(), "chain")
	Debug(ctx, "failover", "switched to %d", 2)
	Debug(ctx, "dispatch", "should not appear")
	Debug(ctx, "batch", "flushed")

	out := buf.String()
	if !strings.Contains(out, "[chain] DEBUG: [failover] switched to 2") {
		t.Errorf("missing failover line: %q", out)
	}
	if strings.Contains(out, "should not appear") {
		t.Errorf("dispatch domain should be filtered: %q", out)
	}
	if !strings.Contains(out, "[batch] flushed") {
		t.Errorf("missing batch line: %q", out)
	}
	if !IsDebugEnabledForDomain("batch") || IsDebugEnabledForDomain("workunit") {
		t.Error("domain filter not applied")
	}
}

func TestDebugWithoutComponent(t *testing.T) {
	buf := captureOutput(t)
	withDebug(t, true, nil)

	Debug(context.Background(), "kernel", "boot")
	if !strings.Contains(buf.String(), "[unknown] DEBUG: [kernel] boot") {
		t.Errorf("unexpected output: %q", buf.String())
	}
}

func TestWrapAndErrorf(t *testing.T) {
	buf := captureOutput(t)

	base := errors.New("disk full")
	err := Wrap(base, "open audit db")
	if !errors.Is(err, base) {
		t.Fatal("Wrap should preserve the cause")
	}
	if err.Error() != "open audit db: disk full" {
		t.Errorf("unexpected message %q", err.Error())
	}
	if Wrap(nil, "noop") != nil {
		t.Error("Wrap(nil) should be nil")
	}

	err = Errorf("load %s: %w", "config.yaml", base)
	if !errors.Is(err, base) {
		t.Fatal("Errorf should preserve the cause")
	}
	if !strings.Contains(buf.String(), "[system] ERROR: load config.yaml: disk full") {
		t.Errorf("expected error to be logged, got %q", buf.String())
	}
}

func TestWithComponent(t *testing.T) {
	l := NewLogger("a").WithComponent("b")
	if l.Component() != "b" {
		t.Errorf("expected component b, got %s", l.Component())
	}
}
