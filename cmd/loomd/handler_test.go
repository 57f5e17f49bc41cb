package main

import (
	"context"
	"strings"
	"testing"

	"loom/internal/config"
	"loom/internal/queue"
)

func TestBuildHandlerDisabledWhenUnconfigured(t *testing.T) {
	cfg := config.Default()
	if handler := buildHandler(&cfg); handler != nil {
		t.Fatal("expected nil handler without a command")
	}
}

func TestExecHandlerStructuredOutput(t *testing.T) {
	handler := &execHandler{command: `echo '{"stage":"done","metadata":{"checked":true}}'`}
	item := &queue.Item{ID: 7, Stage: "start", Payload: `{"url":"https://example.com"}`}

	result, err := handler.Handle(context.Background(), item)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Stage != "done" {
		t.Fatalf("expected stage done, got %q", result.Stage)
	}
	if result.Metadata["checked"] != true {
		t.Fatalf("expected metadata carried through, got %#v", result.Metadata)
	}
}

func TestExecHandlerPlainOutputBecomesMetadata(t *testing.T) {
	handler := &execHandler{command: `echo processed`}
	item := &queue.Item{ID: 7, Stage: "start"}

	result, err := handler.Handle(context.Background(), item)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Stage != "start" {
		t.Fatalf("expected stage preserved, got %q", result.Stage)
	}
	if result.Metadata["output"] != "processed" {
		t.Fatalf("expected raw output kept, got %#v", result.Metadata)
	}
}

func TestExecHandlerFailureIncludesStderr(t *testing.T) {
	handler := &execHandler{command: `echo "bad payload" >&2; exit 3`}
	item := &queue.Item{ID: 7}

	_, err := handler.Handle(context.Background(), item)
	if err == nil {
		t.Fatal("expected command failure")
	}
	if !strings.Contains(err.Error(), "bad payload") {
		t.Fatalf("expected stderr in error, got %v", err)
	}
}

func TestExecHandlerReceivesItemDocument(t *testing.T) {
	handler := &execHandler{command: `cat > /dev/null; echo "$LOOM_ITEM_ID"`}
	item := &queue.Item{ID: 42, Stage: "fetch"}

	result, err := handler.Handle(context.Background(), item)
	if err != nil {
		t.Fatalf("Handle: %v", err)
	}
	if result.Metadata["output"] != "42" {
		t.Fatalf("expected item id surfaced, got %#v", result.Metadata)
	}
}
