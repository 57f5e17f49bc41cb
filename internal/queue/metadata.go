package queue

import (
	"encoding/json"
	"fmt"
)

// Metadata is the open-ended structured payload attached to transitions and
// merged into an item's stage-detail document. Known event shapes below are
// typed; anything else rides along as plain keys.
type Metadata map[string]any

// StateChangedPayload is the event data recorded for every transition.
type StateChangedPayload struct {
	FromState State  `json:"from_state"`
	ToState   State  `json:"to_state"`
	Stage     string `json:"stage,omitempty"`
	Reason    string `json:"reason,omitempty"`
}

// ItemCreatedPayload is the event data recorded when a producer enqueues work.
type ItemCreatedPayload struct {
	Priority int `json:"priority"`
}

// mergeStageDetails merges metadata into an existing stage-detail JSON
// document. Later keys win; a nil metadata leaves the document untouched.
func mergeStageDetails(existing string, metadata Metadata) (string, error) {
	if len(metadata) == 0 {
		return existing, nil
	}

	merged := make(map[string]any, len(metadata))
	if existing != "" {
		if err := json.Unmarshal([]byte(existing), &merged); err != nil {
			return "", fmt.Errorf("parse stage details: %w", err)
		}
	}
	for key, value := range metadata {
		merged[key] = value
	}

	out, err := json.Marshal(merged)
	if err != nil {
		return "", fmt.Errorf("marshal stage details: %w", err)
	}
	return string(out), nil
}

func marshalMetadata(metadata Metadata) (string, error) {
	if len(metadata) == 0 {
		return "", nil
	}
	out, err := json.Marshal(metadata)
	if err != nil {
		return "", fmt.Errorf("marshal metadata: %w", err)
	}
	return string(out), nil
}

func marshalEventData(payload any) (string, error) {
	if payload == nil {
		return "", nil
	}
	out, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal event data: %w", err)
	}
	return string(out), nil
}
