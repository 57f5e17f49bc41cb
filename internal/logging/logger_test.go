package logging

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func newTestLogger(buf *bytes.Buffer) *slog.Logger {
	levelVar := new(slog.LevelVar)
	levelVar.Set(slog.LevelDebug)
	return slog.New(newConsoleHandler(buf, levelVar))
}

func TestConsoleHandlerFormatsComponentAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewComponentLogger(newTestLogger(&buf), "queue")

	logger.Info("item claimed", Int64(FieldItemID, 42), String(FieldWorkerID, "w-1"))

	line := buf.String()
	if !strings.Contains(line, "INF [queue] item claimed") {
		t.Fatalf("unexpected line: %q", line)
	}
	if !strings.Contains(line, "item_id=42") || !strings.Contains(line, "worker_id=w-1") {
		t.Fatalf("missing attrs in line: %q", line)
	}
}

func TestConsoleHandlerQuotesSpacedValues(t *testing.T) {
	var buf bytes.Buffer
	logger := newTestLogger(&buf)

	logger.Warn("transition denied", String("reason", "state mismatch"))

	if !strings.Contains(buf.String(), `reason="state mismatch"`) {
		t.Fatalf("expected quoted value, got %q", buf.String())
	}
}

func TestWithContextAddsFields(t *testing.T) {
	var buf bytes.Buffer
	base := newTestLogger(&buf)

	ctx := WithItemID(context.Background(), 7)
	ctx = WithWorkerID(ctx, "worker-a")
	WithContext(ctx, base).Info("claimed")

	line := buf.String()
	if !strings.Contains(line, "item_id=7") || !strings.Contains(line, "worker_id=worker-a") {
		t.Fatalf("expected context fields in line: %q", line)
	}
}

func TestNewRejectsUnknownFormat(t *testing.T) {
	if _, err := New(Options{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestNopLoggerDiscards(t *testing.T) {
	logger := NewNop()
	if logger.Enabled(context.Background(), slog.LevelError) {
		t.Fatal("expected nop logger to be disabled")
	}
}
