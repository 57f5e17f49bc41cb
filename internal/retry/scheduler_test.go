package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"loom/internal/deadletter"
	"loom/internal/queue"
	"loom/internal/quota"
	"loom/internal/testsupport"
)

type classifiedError struct {
	msg  string
	kind queue.FailureKind
}

func (e classifiedError) Error() string { return e.msg }
func (e classifiedError) FailureKind() queue.FailureKind { return e.kind }

func newFixture(t *testing.T) (*Scheduler, *queue.Store, *deadletter.Store, *quota.Tracker) {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	store := testsupport.MustOpenStore(t, cfg)
	letters := deadletter.NewStore(store.DB())
	quotas := quota.NewTracker(store.DB())
	policy := Policy{BaseDelay: 5 * time.Minute, MaxRetries: 3}
	scheduler := NewScheduler(store, letters, quotas, policy, "gemini", nil)
	return scheduler, store, letters, quotas
}

func claimProcessing(t *testing.T, store *queue.Store) *queue.Item {
	t.Helper()
	ctx := context.Background()
	item := testsupport.EnqueueQueued(t, store, nil, 0)
	ok, err := store.Transition(ctx, queue.TransitionRequest{
		WorkflowID: item.ID,
		FromState:  queue.StateQueued,
		ToState:    queue.StateProcessing,
		Actor:      "test",
	})
	if err != nil || !ok {
		t.Fatalf("transition to processing: ok=%v err=%v", ok, err)
	}
	refreshed, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("reload item: %v", err)
	}
	return refreshed
}

func TestPolicyDelayDoubles(t *testing.T) {
	policy := Policy{BaseDelay: 5 * time.Minute}
	wants := []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute, 40 * time.Minute}
	for count, want := range wants {
		if got := policy.Delay(count); got != want {
			t.Fatalf("Delay(%d) = %v, want %v", count, got, want)
		}
	}
	if got := policy.Delay(-1); got != 5*time.Minute {
		t.Fatalf("Delay(-1) = %v, want base delay", got)
	}
}

func TestTransientFailureSchedulesBackoff(t *testing.T) {
	scheduler, store, letters, _ := newFixture(t)
	fixed := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)
	scheduler.now = func() time.Time { return fixed }
	ctx := context.Background()

	item := claimProcessing(t, store)
	outcome, err := scheduler.HandleFailure(ctx, item, errors.New("connection reset"))
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if outcome != OutcomeRetryScheduled {
		t.Fatalf("expected retry scheduled, got %s", outcome)
	}

	reloaded, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded.State != queue.StateQueued {
		t.Fatalf("expected queued, got %s", reloaded.State)
	}
	if reloaded.RetryCount != 1 {
		t.Fatalf("expected retry count 1, got %d", reloaded.RetryCount)
	}
	want := fixed.Add(5 * time.Minute)
	if reloaded.NextRetryAt == nil || !reloaded.NextRetryAt.Equal(want) {
		t.Fatalf("expected next retry at %v, got %v", want, reloaded.NextRetryAt)
	}

	entry, err := letters.ByWorkflow(ctx, item.ID)
	if err != nil {
		t.Fatalf("ByWorkflow: %v", err)
	}
	if entry != nil {
		t.Fatal("expected no dead letter for a scheduled retry")
	}
}

func TestRetriesExhaustDeadLetter(t *testing.T) {
	scheduler, store, letters, _ := newFixture(t)
	fixed := time.Date(2026, time.June, 1, 12, 0, 0, 0, time.UTC)
	scheduler.now = func() time.Time { return fixed }
	ctx := context.Background()

	item := claimProcessing(t, store)
	workErr := errors.New("still failing")

	// Three failures consume the budget with 5, 10, and 20 minute offsets.
	wantOffsets := []time.Duration{5 * time.Minute, 10 * time.Minute, 20 * time.Minute}
	for attempt, offset := range wantOffsets {
		outcome, err := scheduler.HandleFailure(ctx, item, workErr)
		if err != nil {
			t.Fatalf("HandleFailure %d: %v", attempt, err)
		}
		if outcome != OutcomeRetryScheduled {
			t.Fatalf("attempt %d: expected retry scheduled, got %s", attempt, outcome)
		}
		reloaded, err := store.GetByID(ctx, item.ID)
		if err != nil {
			t.Fatalf("GetByID: %v", err)
		}
		want := fixed.Add(offset)
		if reloaded.NextRetryAt == nil || !reloaded.NextRetryAt.Equal(want) {
			t.Fatalf("attempt %d: expected next retry %v, got %v", attempt, want, reloaded.NextRetryAt)
		}

		ok, err := store.Transition(ctx, queue.TransitionRequest{
			WorkflowID: item.ID,
			FromState:  queue.StateQueued,
			ToState:    queue.StateProcessing,
			Actor:      "test",
		})
		if err != nil || !ok {
			t.Fatalf("re-claim attempt %d: ok=%v err=%v", attempt, ok, err)
		}
		item, err = store.GetByID(ctx, item.ID)
		if err != nil {
			t.Fatalf("reload: %v", err)
		}
	}

	// The fourth failure finds the budget spent and dead-letters.
	outcome, err := scheduler.HandleFailure(ctx, item, workErr)
	if err != nil {
		t.Fatalf("HandleFailure final: %v", err)
	}
	if outcome != OutcomeDeadLettered {
		t.Fatalf("expected dead lettered, got %s", outcome)
	}

	reloaded, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded.State != queue.StateFailed {
		t.Fatalf("expected failed, got %s", reloaded.State)
	}
	entry, err := letters.ByWorkflow(ctx, item.ID)
	if err != nil || entry == nil {
		t.Fatalf("expected dead letter entry, entry=%v err=%v", entry, err)
	}
	if entry.ErrorMessage != "still failing" {
		t.Fatalf("unexpected dead letter message %q", entry.ErrorMessage)
	}
}

func TestPermanentFailureDeadLettersImmediately(t *testing.T) {
	scheduler, store, letters, _ := newFixture(t)
	ctx := context.Background()

	item := claimProcessing(t, store)
	outcome, err := scheduler.HandleFailure(ctx, item, classifiedError{
		msg:  "payload rejected",
		kind: queue.FailurePermanent,
	})
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if outcome != OutcomeDeadLettered {
		t.Fatalf("expected dead lettered, got %s", outcome)
	}

	reloaded, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded.State != queue.StateFailed {
		t.Fatalf("expected failed, got %s", reloaded.State)
	}
	if reloaded.RetryCount != 0 {
		t.Fatalf("expected no retries consumed, got %d", reloaded.RetryCount)
	}
	if entry, err := letters.ByWorkflow(ctx, item.ID); err != nil || entry == nil {
		t.Fatalf("expected dead letter entry, entry=%v err=%v", entry, err)
	}
}

func TestQuotaFailureParksItem(t *testing.T) {
	scheduler, store, _, quotas := newFixture(t)
	ctx := context.Background()

	if err := quotas.SeedDefaults(ctx, "gemini"); err != nil {
		t.Fatalf("SeedDefaults: %v", err)
	}
	remaining := int64(0)
	exhausted := quota.Snapshot{Types: map[string]quota.TypeUsage{
		"requests_per_minute": {Remaining: &remaining},
	}}
	if err := quotas.RecordUsage(ctx, "gemini", exhausted, nil); err != nil {
		t.Fatalf("RecordUsage: %v", err)
	}

	item := claimProcessing(t, store)
	outcome, err := scheduler.HandleFailure(ctx, item, classifiedError{
		msg:  "quota exhausted",
		kind: queue.FailureQuota,
	})
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if outcome != OutcomeQuotaDeferred {
		t.Fatalf("expected quota deferred, got %s", outcome)
	}

	reloaded, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded.State != queue.StateQuotaExceeded {
		t.Fatalf("expected quota_exceeded, got %s", reloaded.State)
	}
	if reloaded.QuotaExceededCount != 1 {
		t.Fatalf("expected quota exceeded count 1, got %d", reloaded.QuotaExceededCount)
	}
	if reloaded.RetryCount != 0 {
		t.Fatalf("quota deferral must not consume retries, got %d", reloaded.RetryCount)
	}

	// While the quota stays exhausted nothing is released.
	released, err := scheduler.ReleaseQuotaDeferred(ctx)
	if err != nil {
		t.Fatalf("ReleaseQuotaDeferred: %v", err)
	}
	if released != 0 {
		t.Fatalf("expected no releases while exhausted, got %d", released)
	}

	// A recovered snapshot lets the item back into the queue.
	fresh := int64(15)
	recovered := quota.Snapshot{Types: map[string]quota.TypeUsage{
		"requests_per_minute": {Remaining: &fresh},
	}}
	if err := quotas.RecordUsage(ctx, "gemini", recovered, nil); err != nil {
		t.Fatalf("RecordUsage recovered: %v", err)
	}
	released, err = scheduler.ReleaseQuotaDeferred(ctx)
	if err != nil {
		t.Fatalf("ReleaseQuotaDeferred recovered: %v", err)
	}
	if released != 1 {
		t.Fatalf("expected one release, got %d", released)
	}
	reloaded, err = store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID after release: %v", err)
	}
	if reloaded.State != queue.StateQueued {
		t.Fatalf("expected queued after release, got %s", reloaded.State)
	}
}

func TestSupersededWhenItemMovedUnderScheduler(t *testing.T) {
	scheduler, store, _, _ := newFixture(t)
	ctx := context.Background()

	item := claimProcessing(t, store)
	ok, err := store.Transition(ctx, queue.TransitionRequest{
		WorkflowID: item.ID,
		FromState:  queue.StateProcessing,
		ToState:    queue.StateCompleted,
		Actor:      "test",
	})
	if err != nil || !ok {
		t.Fatalf("complete item: ok=%v err=%v", ok, err)
	}

	outcome, err := scheduler.HandleFailure(ctx, item, errors.New("late failure"))
	if err != nil {
		t.Fatalf("HandleFailure: %v", err)
	}
	if outcome != OutcomeSuperseded {
		t.Fatalf("expected superseded, got %s", outcome)
	}
	reloaded, err := store.GetByID(ctx, item.ID)
	if err != nil {
		t.Fatalf("GetByID: %v", err)
	}
	if reloaded.State != queue.StateCompleted {
		t.Fatalf("expected completed untouched, got %s", reloaded.State)
	}
}
