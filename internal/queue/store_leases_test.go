package queue

import (
	"context"
	"path/filepath"
	"testing"
	"time"
)

func openLeaseTestStore(t *testing.T) (*Store, *time.Time) {
	t.Helper()

	store, err := OpenPath(filepath.Join(t.TempDir(), "loom.db"))
	if err != nil {
		t.Fatalf("OpenPath: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	current := time.Date(2026, time.March, 14, 9, 30, 0, 0, time.UTC)
	store.now = func() time.Time { return current }
	return store, &current
}

func newLeaseItem(t *testing.T, store *Store) *Item {
	t.Helper()

	item, err := store.Enqueue(context.Background(), nil, 0)
	if err != nil {
		t.Fatalf("Enqueue: %v", err)
	}
	return item
}

func TestAcquireLeaseExclusiveUntilTimeout(t *testing.T) {
	store, clock := openLeaseTestStore(t)
	ctx := context.Background()
	item := newLeaseItem(t, store)

	ok, err := store.AcquireLease(ctx, item.ID, "worker-a", 300*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease worker-a: %v", err)
	}
	if !ok {
		t.Fatal("expected worker-a to acquire unheld lease")
	}

	ok, err = store.AcquireLease(ctx, item.ID, "worker-b", 300*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease worker-b: %v", err)
	}
	if ok {
		t.Fatal("expected worker-b denied while lease is live")
	}

	// Renewal by the holder is idempotent.
	ok, err = store.AcquireLease(ctx, item.ID, "worker-a", 300*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease renewal: %v", err)
	}
	if !ok {
		t.Fatal("expected holder renewal to succeed")
	}

	*clock = clock.Add(301 * time.Second)
	ok, err = store.AcquireLease(ctx, item.ID, "worker-b", 300*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease stale takeover: %v", err)
	}
	if !ok {
		t.Fatal("expected worker-b to take over a stale lease")
	}

	after, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if after.LeaseHolder != "worker-b" {
		t.Fatalf("expected worker-b holding lease, got %q", after.LeaseHolder)
	}
}

func TestReleaseLeaseOnlyForHolder(t *testing.T) {
	store, _ := openLeaseTestStore(t)
	ctx := context.Background()
	item := newLeaseItem(t, store)

	if ok, err := store.AcquireLease(ctx, item.ID, "worker-a", time.Minute); err != nil || !ok {
		t.Fatalf("AcquireLease: ok=%v err=%v", ok, err)
	}

	ok, err := store.ReleaseLease(ctx, item.ID, "worker-b")
	if err != nil {
		t.Fatalf("ReleaseLease worker-b: %v", err)
	}
	if ok {
		t.Fatal("expected non-holder release to be a no-op")
	}

	ok, err = store.ReleaseLease(ctx, item.ID, "worker-a")
	if err != nil {
		t.Fatalf("ReleaseLease worker-a: %v", err)
	}
	if !ok {
		t.Fatal("expected holder release to succeed")
	}

	after, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if after.LeaseHolder != "" || after.LeaseAcquiredAt != nil {
		t.Fatalf("expected lease cleared, got %#v", after)
	}

	// Releasing again stays a no-op.
	ok, err = store.ReleaseLease(ctx, item.ID, "worker-a")
	if err != nil {
		t.Fatalf("ReleaseLease repeat: %v", err)
	}
	if ok {
		t.Fatal("expected repeat release to return false")
	}
}

func TestClaimNextTakesOverStaleLease(t *testing.T) {
	store, clock := openLeaseTestStore(t)
	ctx := context.Background()
	item := newLeaseItem(t, store)

	if ok, err := store.Transition(ctx, TransitionRequest{
		WorkflowID: item.ID,
		FromState:  StateCreated,
		ToState:    StateQueued,
	}); err != nil || !ok {
		t.Fatalf("to queued: ok=%v err=%v", ok, err)
	}

	claimed, err := store.ClaimNext(ctx, "worker-a", 300*time.Second)
	if err != nil {
		t.Fatalf("ClaimNext worker-a: %v", err)
	}
	if claimed == nil || claimed.LeaseHolder != "worker-a" {
		t.Fatalf("expected worker-a claim, got %#v", claimed)
	}

	blocked, err := store.ClaimNext(ctx, "worker-b", 300*time.Second)
	if err != nil {
		t.Fatalf("ClaimNext worker-b: %v", err)
	}
	if blocked != nil {
		t.Fatalf("expected live lease to block claim, got %#v", blocked)
	}

	*clock = clock.Add(301 * time.Second)
	taken, err := store.ClaimNext(ctx, "worker-b", 300*time.Second)
	if err != nil {
		t.Fatalf("ClaimNext stale: %v", err)
	}
	if taken == nil || taken.LeaseHolder != "worker-b" {
		t.Fatalf("expected worker-b takeover, got %#v", taken)
	}
}

func TestReclaimExpiredReturnsStuckItems(t *testing.T) {
	store, clock := openLeaseTestStore(t)
	ctx := context.Background()
	item := newLeaseItem(t, store)

	if ok, err := store.Transition(ctx, TransitionRequest{
		WorkflowID: item.ID, FromState: StateCreated, ToState: StateQueued,
	}); err != nil || !ok {
		t.Fatalf("to queued: ok=%v err=%v", ok, err)
	}
	if _, err := store.ClaimNext(ctx, "worker-a", 300*time.Second); err != nil {
		t.Fatalf("ClaimNext: %v", err)
	}
	if ok, err := store.Transition(ctx, TransitionRequest{
		WorkflowID: item.ID, FromState: StateQueued, ToState: StateProcessing, Actor: "worker-a",
	}); err != nil || !ok {
		t.Fatalf("to processing: ok=%v err=%v", ok, err)
	}

	// Lease still live: nothing to reclaim.
	count, err := store.ReclaimExpired(ctx, 300*time.Second, "reclaimer")
	if err != nil {
		t.Fatalf("ReclaimExpired live: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected no reclaim, got %d", count)
	}

	*clock = clock.Add(10 * time.Minute)
	count, err = store.ReclaimExpired(ctx, 300*time.Second, "reclaimer")
	if err != nil {
		t.Fatalf("ReclaimExpired stale: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one reclaim, got %d", count)
	}

	after, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if after.State != StateQueued {
		t.Fatalf("expected item back in queue, got %s", after.State)
	}
	if after.LeaseHolder != "" {
		t.Fatalf("expected lease cleared, got %q", after.LeaseHolder)
	}
}
