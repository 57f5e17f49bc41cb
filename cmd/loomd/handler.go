package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"loom/internal/config"
	"loom/internal/queue"
	"loom/internal/worker"
)

// itemDocument is the JSON document written to the handler command's stdin.
type itemDocument struct {
	ID             int64           `json:"id"`
	Stage          string          `json:"stage,omitempty"`
	Priority       int             `json:"priority"`
	RetryCount     int             `json:"retry_count"`
	Payload        json.RawMessage `json:"payload,omitempty"`
	PartialResults json.RawMessage `json:"partial_results,omitempty"`
}

// handlerOutput is the optional JSON document the command may print to
// report structured results. Any non-JSON output is kept verbatim as an
// output field in the item's stage details.
type handlerOutput struct {
	Stage          string         `json:"stage"`
	Metadata       map[string]any `json:"metadata"`
	PartialResults string         `json:"partial_results"`
	Resume         bool           `json:"resume"`
}

type execHandler struct {
	command string
}

// buildHandler returns the configured external-command handler, or nil when
// the daemon should run without workers.
func buildHandler(cfg *config.Config) worker.Handler {
	command := strings.TrimSpace(cfg.Workflow.HandlerCommand)
	if command == "" {
		return nil
	}
	return &execHandler{command: command}
}

func (h *execHandler) Handle(ctx context.Context, item *queue.Item) (*worker.Result, error) {
	doc := itemDocument{
		ID:         item.ID,
		Stage:      item.Stage,
		Priority:   item.Priority,
		RetryCount: item.RetryCount,
	}
	if item.Payload != "" {
		doc.Payload = json.RawMessage(item.Payload)
	}
	if item.PartialResults != "" {
		doc.PartialResults = json.RawMessage(item.PartialResults)
	}
	input, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal item document: %w", err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", h.command)
	cmd.Stdin = bytes.NewReader(input)
	cmd.Env = append(os.Environ(),
		fmt.Sprintf("LOOM_ITEM_ID=%d", item.ID),
		fmt.Sprintf("LOOM_STAGE=%s", item.Stage),
		fmt.Sprintf("LOOM_RETRY_COUNT=%d", item.RetryCount),
	)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		detail := strings.TrimSpace(stderr.String())
		if detail == "" {
			detail = strings.TrimSpace(stdout.String())
		}
		if detail != "" {
			return nil, fmt.Errorf("handler command: %w: %s", err, detail)
		}
		return nil, fmt.Errorf("handler command: %w", err)
	}

	return parseHandlerOutput(item, stdout.Bytes()), nil
}

func parseHandlerOutput(item *queue.Item, raw []byte) *worker.Result {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" {
		return &worker.Result{Stage: item.Stage}
	}

	var out handlerOutput
	if err := json.Unmarshal([]byte(trimmed), &out); err == nil {
		result := &worker.Result{
			Stage:          out.Stage,
			PartialResults: out.PartialResults,
			Resume:         out.Resume,
		}
		if len(out.Metadata) > 0 {
			result.Metadata = queue.Metadata(out.Metadata)
		}
		return result
	}
	return &worker.Result{
		Stage:    item.Stage,
		Metadata: queue.Metadata{"output": trimmed},
	}
}
