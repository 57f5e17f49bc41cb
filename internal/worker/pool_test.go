package worker_test

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"loom/internal/config"
	"loom/internal/deadletter"
	"loom/internal/queue"
	"loom/internal/quota"
	"loom/internal/retry"
	"loom/internal/testsupport"
	"loom/internal/worker"
)

type quotaBoundHandler struct {
	worker.Handler
	service string
	calls   atomic.Int64
}

func (h *quotaBoundHandler) ServiceName() string { return h.service }

func (h *quotaBoundHandler) Handle(ctx context.Context, item *queue.Item) (*worker.Result, error) {
	h.calls.Add(1)
	return h.Handler.Handle(ctx, item)
}

type fixture struct {
	cfg       *config.Config
	store     *queue.Store
	letters   *deadletter.Store
	quotas    *quota.Tracker
	scheduler *retry.Scheduler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	letters := deadletter.NewStore(store.DB())
	quotas := quota.NewTracker(store.DB())
	scheduler := retry.NewScheduler(store, letters, quotas, retry.PolicyFromConfig(cfg), cfg.Quota.DefaultService, nil)
	return &fixture{cfg: cfg, store: store, letters: letters, quotas: quotas, scheduler: scheduler}
}

func startPool(t *testing.T, f *fixture, handler worker.Handler) {
	t.Helper()
	pool := worker.NewPool(f.store, f.scheduler, f.quotas, handler, f.cfg, nil)
	ctx, cancel := context.WithCancel(context.Background())
	if err := pool.Start(ctx); err != nil {
		t.Fatalf("pool.Start: %v", err)
	}
	t.Cleanup(func() {
		cancel()
		pool.Stop()
	})
}

func waitForItem(t *testing.T, store *queue.Store, id int64, check func(*queue.Item) bool) *queue.Item {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		item, err := store.GetByID(context.Background(), id)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		if check(item) {
			return item
		}
		time.Sleep(20 * time.Millisecond)
	}
	item, _ := store.GetByID(context.Background(), id)
	t.Fatalf("timed out waiting for item condition, last state %+v", item)
	return nil
}

func TestPoolCompletesClaimedItems(t *testing.T) {
	f := newFixture(t)
	handler := worker.HandlerFunc(func(ctx context.Context, item *queue.Item) (*worker.Result, error) {
		return &worker.Result{
			Stage:    "done",
			Metadata: queue.Metadata{"handled": true},
		}, nil
	})
	item := testsupport.EnqueueQueued(t, f.store, queue.Metadata{"kind": "unit"}, 0)
	startPool(t, f, handler)

	final := waitForItem(t, f.store, item.ID, func(it *queue.Item) bool {
		return it.State == queue.StateCompleted
	})
	if final.Stage != "done" {
		t.Fatalf("expected stage done, got %q", final.Stage)
	}
	if final.LeaseHolder != "" {
		t.Fatalf("expected lease released, held by %q", final.LeaseHolder)
	}
	if final.CompletedAt == nil {
		t.Fatal("expected completed_at set")
	}
}

func TestPoolRoutesTransientFailures(t *testing.T) {
	f := newFixture(t)
	handler := worker.HandlerFunc(func(ctx context.Context, item *queue.Item) (*worker.Result, error) {
		return nil, errors.New("flaky downstream")
	})
	item := testsupport.EnqueueQueued(t, f.store, nil, 0)
	startPool(t, f, handler)

	final := waitForItem(t, f.store, item.ID, func(it *queue.Item) bool {
		return it.State == queue.StateQueued && it.RetryCount == 1
	})
	if final.NextRetryAt == nil || !final.NextRetryAt.After(time.Now().UTC()) {
		t.Fatalf("expected a future retry time, got %v", final.NextRetryAt)
	}
	if final.LastError != "flaky downstream" {
		t.Fatalf("expected failure recorded, got %q", final.LastError)
	}
}

func TestPoolGatesQuotaBoundHandlers(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.quotas.SeedDefaults(ctx, "gemini"); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	remaining := int64(0)
	snapshot := quota.Snapshot{Types: map[string]quota.TypeUsage{
		"requests_per_minute": {Remaining: &remaining},
	}}
	if err := f.quotas.RecordUsage(ctx, "gemini", snapshot, nil); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	handler := &quotaBoundHandler{
		service: "gemini",
		Handler: worker.HandlerFunc(func(ctx context.Context, item *queue.Item) (*worker.Result, error) {
			return &worker.Result{}, nil
		}),
	}
	item := testsupport.EnqueueQueued(t, f.store, nil, 0)
	startPool(t, f, handler)

	final := waitForItem(t, f.store, item.ID, func(it *queue.Item) bool {
		return it.State == queue.StateQuotaExceeded
	})
	if handler.calls.Load() != 0 {
		t.Fatalf("expected handler never invoked, got %d calls", handler.calls.Load())
	}
	if final.QuotaExceededCount != 1 {
		t.Fatalf("expected quota exceeded count 1, got %d", final.QuotaExceededCount)
	}
	if final.RetryCount != 0 {
		t.Fatalf("quota gating must not consume retries, got %d", final.RetryCount)
	}
}

func TestPoolStoresPartialResults(t *testing.T) {
	f := newFixture(t)
	handler := worker.HandlerFunc(func(ctx context.Context, item *queue.Item) (*worker.Result, error) {
		return &worker.Result{
			Stage:          "halfway",
			PartialResults: `{"checkpoint":3}`,
		}, nil
	})
	item := testsupport.EnqueueQueued(t, f.store, nil, 0)
	startPool(t, f, handler)

	final := waitForItem(t, f.store, item.ID, func(it *queue.Item) bool {
		return it.State == queue.StatePartiallyProcessed
	})
	if final.PartialResults != `{"checkpoint":3}` {
		t.Fatalf("expected partial results snapshot, got %q", final.PartialResults)
	}
	if final.Stage != "halfway" {
		t.Fatalf("expected stage halfway, got %q", final.Stage)
	}
}

func TestPoolResumesPartialWork(t *testing.T) {
	f := newFixture(t)
	var attempts atomic.Int64
	handler := worker.HandlerFunc(func(ctx context.Context, item *queue.Item) (*worker.Result, error) {
		if attempts.Add(1) == 1 {
			return &worker.Result{
				Stage:          "halfway",
				PartialResults: `{"checkpoint":3}`,
				Resume:         true,
			}, nil
		}
		if item.PartialResults == "" {
			return nil, errors.New("expected partial results on resume")
		}
		return &worker.Result{Stage: "done"}, nil
	})
	item := testsupport.EnqueueQueued(t, f.store, nil, 0)
	startPool(t, f, handler)

	final := waitForItem(t, f.store, item.ID, func(it *queue.Item) bool {
		return it.State == queue.StateCompleted
	})
	if attempts.Load() < 2 {
		t.Fatalf("expected at least two handler runs, got %d", attempts.Load())
	}
	if final.PartialResults == "" {
		t.Fatal("expected partial results preserved through completion")
	}
}
