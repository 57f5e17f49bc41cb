package daemon_test

import (
	"context"
	"testing"
	"time"

	"loom/internal/daemon"
	"loom/internal/queue"
	"loom/internal/quota"
	"loom/internal/testsupport"
)

func TestDaemonEnforcesSingleInstance(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)

	first, err := daemon.New(cfg, store, nil, nil, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx := context.Background()
	if err := first.Start(ctx); err != nil {
		t.Fatalf("first Start: %v", err)
	}
	defer first.Stop()

	second, err := daemon.New(cfg, store, nil, nil, nil)
	if err != nil {
		t.Fatalf("daemon.New second: %v", err)
	}
	if err := second.Start(ctx); err == nil {
		second.Stop()
		t.Fatal("expected second instance start to fail")
	}

	status, err := first.Status(ctx)
	if err != nil {
		t.Fatalf("Status: %v", err)
	}
	if !status.Running {
		t.Fatal("expected running status")
	}
	if status.LockFilePath != cfg.LockPath() {
		t.Fatalf("unexpected lock path %q", status.LockFilePath)
	}
}

func TestDaemonSeedsQuotaDefaults(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Quota.SeedDefaults = true
	store := testsupport.MustOpenStore(t, cfg)
	quotas := quota.NewTracker(store.DB())

	d, err := daemon.New(cfg, store, nil, nil, quotas)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	limits, err := quotas.Limits(ctx, cfg.Quota.DefaultService)
	if err != nil {
		t.Fatalf("Limits: %v", err)
	}
	if len(limits) != 4 {
		t.Fatalf("expected four seeded limits, got %d", len(limits))
	}
}

func TestRelayMarksEventsProcessed(t *testing.T) {
	cfg := testsupport.NewConfig(t)
	cfg.Workflow.EventRelayInterval = 1
	store := testsupport.MustOpenStore(t, cfg)

	d, err := daemon.New(cfg, store, nil, nil, nil)
	if err != nil {
		t.Fatalf("daemon.New: %v", err)
	}
	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer d.Stop()

	testsupport.EnqueueQueued(t, store, queue.Metadata{"origin": "relay-test"}, 0)

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		events, err := store.UnprocessedEvents(ctx, 10)
		if err != nil {
			t.Fatalf("UnprocessedEvents: %v", err)
		}
		if len(events) == 0 {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
	t.Fatal("timed out waiting for relay to drain events")
}
