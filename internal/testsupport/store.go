package testsupport

import (
	"context"
	"testing"

	"loom/internal/config"
	"loom/internal/queue"
)

// MustOpenStore opens a queue.Store for tests and registers cleanup.
func MustOpenStore(t testing.TB, cfg *config.Config) *queue.Store {
	t.Helper()

	store, err := queue.Open(cfg)
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

// Enqueue creates a workflow item for tests using the provided store.
func Enqueue(t testing.TB, store *queue.Store, payload queue.Metadata, priority int) *queue.Item {
	t.Helper()

	item, err := store.Enqueue(context.Background(), payload, priority)
	if err != nil {
		t.Fatalf("store.Enqueue: %v", err)
	}
	return item
}

// EnqueueQueued creates a workflow item and drives it into the queued state.
func EnqueueQueued(t testing.TB, store *queue.Store, payload queue.Metadata, priority int) *queue.Item {
	t.Helper()

	item := Enqueue(t, store, payload, priority)
	ok, err := store.Transition(context.Background(), queue.TransitionRequest{
		WorkflowID: item.ID,
		FromState:  queue.StateCreated,
		ToState:    queue.StateQueued,
		Actor:      "test",
	})
	if err != nil {
		t.Fatalf("transition to queued: %v", err)
	}
	if !ok {
		t.Fatal("expected created -> queued transition to apply")
	}
	refreshed, err := store.GetByID(context.Background(), item.ID)
	if err != nil {
		t.Fatalf("reload item: %v", err)
	}
	return refreshed
}
