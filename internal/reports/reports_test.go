package reports_test

import (
	"context"
	"testing"

	"loom/internal/deadletter"
	"loom/internal/queue"
	"loom/internal/reports"
	"loom/internal/testsupport"
)

func drive(t *testing.T, store *queue.Store, itemID int64, path ...queue.State) {
	t.Helper()
	ctx := context.Background()
	item, err := store.GetByID(ctx, itemID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	from := item.State
	for _, to := range path {
		ok, err := store.Transition(ctx, queue.TransitionRequest{
			WorkflowID: itemID,
			FromState:  from,
			ToState:    to,
			Actor:      "test",
		})
		if err != nil || !ok {
			t.Fatalf("transition %s -> %s: ok=%v err=%v", from, to, ok, err)
		}
		from = to
	}
}

func TestSummaryCountsStatesAndBacklogs(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	letters := deadletter.NewStore(store.DB())
	reporter := reports.NewReporter(store.DB())
	ctx := context.Background()

	done := testsupport.Enqueue(t, store, nil, 0)
	drive(t, store, done.ID, queue.StateQueued, queue.StateProcessing, queue.StateCompleted)

	failed := testsupport.Enqueue(t, store, nil, 0)
	drive(t, store, failed.ID, queue.StateQueued, queue.StateProcessing, queue.StateFailed)
	if err := letters.Record(ctx, failed.ID, failed, "boom", nil); err != nil {
		t.Fatalf("Record: %v", err)
	}

	parked := testsupport.Enqueue(t, store, nil, 0)
	drive(t, store, parked.ID, queue.StateQueued, queue.StateProcessing, queue.StateQuotaExceeded)

	testsupport.EnqueueQueued(t, store, nil, 0)

	summary, err := reporter.Summary(ctx)
	if err != nil {
		t.Fatalf("Summary: %v", err)
	}
	if summary.States[queue.StateCompleted] != 1 {
		t.Fatalf("expected one completed, got %d", summary.States[queue.StateCompleted])
	}
	if summary.States[queue.StateFailed] != 1 {
		t.Fatalf("expected one failed, got %d", summary.States[queue.StateFailed])
	}
	if summary.States[queue.StateQueued] != 1 {
		t.Fatalf("expected one queued, got %d", summary.States[queue.StateQueued])
	}
	if summary.QuotaDeferred != 1 {
		t.Fatalf("expected one quota deferred, got %d", summary.QuotaDeferred)
	}
	if summary.UnresolvedDead != 1 {
		t.Fatalf("expected one unresolved dead letter, got %d", summary.UnresolvedDead)
	}
	if summary.EventBacklog == 0 {
		t.Fatal("expected a non-empty event backlog")
	}
	if summary.OldestQueuedAge < 0 {
		t.Fatalf("expected non-negative queue age, got %v", summary.OldestQueuedAge)
	}
}

func TestThroughputBucketsTerminalTransitions(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reporter := reports.NewReporter(store.DB())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		item := testsupport.Enqueue(t, store, nil, 0)
		drive(t, store, item.ID, queue.StateQueued, queue.StateProcessing, queue.StateCompleted)
	}
	failed := testsupport.Enqueue(t, store, nil, 0)
	drive(t, store, failed.ID, queue.StateQueued, queue.StateProcessing, queue.StateFailed)

	buckets, err := reporter.Throughput(ctx, 7)
	if err != nil {
		t.Fatalf("Throughput: %v", err)
	}
	if len(buckets) != 1 {
		t.Fatalf("expected one bucket for today, got %d", len(buckets))
	}
	bucket := buckets[0]
	if bucket.Completed != 3 || bucket.Failed != 1 || bucket.Enqueued != 4 {
		t.Fatalf("unexpected bucket %+v", bucket)
	}
}

func TestProcessingDurationsOverCompletedItems(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	reporter := reports.NewReporter(store.DB())
	ctx := context.Background()

	empty, err := reporter.ProcessingDurations(ctx)
	if err != nil {
		t.Fatalf("ProcessingDurations empty: %v", err)
	}
	if empty.Count != 0 {
		t.Fatalf("expected empty stats, got %+v", empty)
	}

	for i := 0; i < 5; i++ {
		item := testsupport.Enqueue(t, store, nil, 0)
		drive(t, store, item.ID, queue.StateQueued, queue.StateProcessing, queue.StateCompleted)
	}

	stats, err := reporter.ProcessingDurations(ctx)
	if err != nil {
		t.Fatalf("ProcessingDurations: %v", err)
	}
	if stats.Count != 5 {
		t.Fatalf("expected five samples, got %d", stats.Count)
	}
	if stats.P95 < stats.P50 {
		t.Fatalf("expected p95 >= p50, got p50=%v p95=%v", stats.P50, stats.P95)
	}
	if stats.Avg < 0 {
		t.Fatalf("expected non-negative average, got %v", stats.Avg)
	}
}
