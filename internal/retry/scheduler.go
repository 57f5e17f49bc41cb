package retry

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"loom/internal/config"
	"loom/internal/deadletter"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/quota"
)

// Policy describes the exponential backoff schedule for transient failures.
type Policy struct {
	// BaseDelay is the first retry offset. Each subsequent retry doubles it.
	BaseDelay time.Duration
	// MaxRetries bounds how many retries an item may consume before it is
	// dead-lettered. Per-item budgets on the workflow row take precedence.
	MaxRetries int
}

// PolicyFromConfig builds the backoff policy from workflow configuration.
func PolicyFromConfig(cfg *config.Config) Policy {
	return Policy{
		BaseDelay:  time.Duration(cfg.Workflow.RetryBaseDelay) * time.Second,
		MaxRetries: cfg.Workflow.MaxRetries,
	}
}

// Delay returns the backoff offset for an item that has already consumed
// retryCount retries: base, 2x base, 4x base, and so on.
func (p Policy) Delay(retryCount int) time.Duration {
	if retryCount < 0 {
		retryCount = 0
	}
	// Past 16 doublings the shift no longer means anything operationally.
	if retryCount > 16 {
		retryCount = 16
	}
	return p.BaseDelay << uint(retryCount)
}

// Outcome reports how a failure was routed.
type Outcome string

const (
	// OutcomeRetryScheduled means the item returned to the queue with a
	// future earliest-claim time.
	OutcomeRetryScheduled Outcome = "retry_scheduled"
	// OutcomeDeadLettered means the item moved to failed and a dead-letter
	// entry was recorded.
	OutcomeDeadLettered Outcome = "dead_lettered"
	// OutcomeQuotaDeferred means the item parked in quota_exceeded until the
	// service window resets.
	OutcomeQuotaDeferred Outcome = "quota_deferred"
	// OutcomeSuperseded means the item's state changed under us and the
	// failure routing was dropped. Another actor owns the item now.
	OutcomeSuperseded Outcome = "superseded"
)

// Scheduler routes work failures to retries, quota deferral, or the dead
// letter store. All routing flows through the queue store's transition path
// so every decision leaves an audit record.
type Scheduler struct {
	store   *queue.Store
	letters *deadletter.Store
	quotas  *quota.Tracker
	policy  Policy
	service string
	logger  *slog.Logger
	now     func() time.Time
}

// NewScheduler constructs a Scheduler. The service name selects which quota
// ledger informs quota-deferred routing.
func NewScheduler(store *queue.Store, letters *deadletter.Store, quotas *quota.Tracker, policy Policy, service string, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Scheduler{
		store:   store,
		letters: letters,
		quotas:  quotas,
		policy:  policy,
		service: service,
		logger:  logging.NewComponentLogger(logger, "retry"),
		now:     func() time.Time { return time.Now().UTC() },
	}
}

// HandleFailure routes one processing failure for a claimed item. The item
// must be a fresh read in the processing state; a compare-and-swap mismatch
// means another actor moved the item first and the routing is abandoned.
func (s *Scheduler) HandleFailure(ctx context.Context, item *queue.Item, workErr error) (Outcome, error) {
	if workErr == nil {
		return "", fmt.Errorf("handle failure requires a non-nil error")
	}

	switch queue.ClassifyFailure(workErr) {
	case queue.FailureQuota:
		return s.deferForQuota(ctx, item, workErr)
	case queue.FailurePermanent:
		return s.deadLetter(ctx, item, workErr, "permanent failure")
	default:
		if item.RetryCount < item.MaxRetries {
			return s.scheduleRetry(ctx, item, workErr)
		}
		return s.deadLetter(ctx, item, workErr, "retries exhausted")
	}
}

func (s *Scheduler) scheduleRetry(ctx context.Context, item *queue.Item, workErr error) (Outcome, error) {
	delay := s.policy.Delay(item.RetryCount)
	nextRetry := s.now().Add(delay)

	ok, err := s.store.Transition(ctx, queue.TransitionRequest{
		WorkflowID:     item.ID,
		FromState:      queue.StateProcessing,
		ToState:        queue.StateQueued,
		Stage:          item.Stage,
		Reason:         workErr.Error(),
		Actor:          "retry-scheduler",
		NextRetryAt:    &nextRetry,
		IncrementRetry: true,
		Metadata: queue.Metadata{
			"retry_delay_seconds": int(delay / time.Second),
			"retry_number":        item.RetryCount + 1,
		},
	})
	if err != nil {
		return "", fmt.Errorf("schedule retry for item %d: %w", item.ID, err)
	}
	if !ok {
		return OutcomeSuperseded, nil
	}

	s.logger.InfoContext(ctx, "retry scheduled", logging.Args(
		logging.Int64(logging.FieldItemID, item.ID),
		logging.Int("retry_number", item.RetryCount+1),
		logging.Duration("delay", delay),
		logging.Time("next_retry_at", nextRetry),
	)...)
	return OutcomeRetryScheduled, nil
}

func (s *Scheduler) deadLetter(ctx context.Context, item *queue.Item, workErr error, why string) (Outcome, error) {
	ok, err := s.store.Transition(ctx, queue.TransitionRequest{
		WorkflowID: item.ID,
		FromState:  queue.StateProcessing,
		ToState:    queue.StateFailed,
		Stage:      item.Stage,
		Reason:     workErr.Error(),
		Actor:      "retry-scheduler",
		Metadata:   queue.Metadata{"dead_letter_reason": why},
	})
	if err != nil {
		return "", fmt.Errorf("fail item %d: %w", item.ID, err)
	}
	if !ok {
		return OutcomeSuperseded, nil
	}

	details := map[string]any{
		"reason":      why,
		"retry_count": item.RetryCount,
		"stage":       item.Stage,
	}
	if err := s.letters.Record(ctx, item.ID, item, workErr.Error(), details); err != nil {
		return "", fmt.Errorf("dead letter item %d: %w", item.ID, err)
	}

	s.logger.WarnContext(ctx, "item dead lettered", logging.Args(
		logging.Int64(logging.FieldItemID, item.ID),
		logging.String("reason", why),
		logging.Int("retry_count", item.RetryCount),
	)...)
	return OutcomeDeadLettered, nil
}

func (s *Scheduler) deferForQuota(ctx context.Context, item *queue.Item, workErr error) (Outcome, error) {
	metadata := queue.Metadata{"service": s.service}
	if s.quotas != nil {
		if exhausted, err := s.quotas.ExceededTypes(ctx, s.service); err == nil && len(exhausted) > 0 {
			metadata["exceeded_types"] = exhausted
		}
		if reset, err := s.quotas.NextReset(ctx, s.service); err == nil && reset != nil {
			metadata["estimated_reset"] = reset.Format(time.RFC3339)
		}
	}

	ok, err := s.store.Transition(ctx, queue.TransitionRequest{
		WorkflowID: item.ID,
		FromState:  queue.StateProcessing,
		ToState:    queue.StateQuotaExceeded,
		Stage:      item.Stage,
		Reason:     workErr.Error(),
		Actor:      "retry-scheduler",
		Metadata:   metadata,
	})
	if err != nil {
		return "", fmt.Errorf("defer item %d for quota: %w", item.ID, err)
	}
	if !ok {
		return OutcomeSuperseded, nil
	}

	s.logger.InfoContext(ctx, "item deferred for quota", logging.Args(
		logging.Int64(logging.FieldItemID, item.ID),
		logging.String(logging.FieldService, s.service),
	)...)
	return OutcomeQuotaDeferred, nil
}

// ReleaseQuotaDeferred returns quota-parked items to the queue once the
// tracked service no longer reports an exhausted quota. It returns how many
// items were re-queued. Quota deferral does not consume retry budget.
func (s *Scheduler) ReleaseQuotaDeferred(ctx context.Context) (int, error) {
	if s.quotas != nil {
		exhausted, err := s.quotas.ExceededTypes(ctx, s.service)
		if err != nil {
			return 0, fmt.Errorf("check quota state: %w", err)
		}
		if len(exhausted) > 0 {
			return 0, nil
		}
	}

	parked, err := s.store.List(ctx, queue.StateQuotaExceeded)
	if err != nil {
		return 0, fmt.Errorf("list quota deferred items: %w", err)
	}

	released := 0
	for _, item := range parked {
		ok, err := s.store.Transition(ctx, queue.TransitionRequest{
			WorkflowID: item.ID,
			FromState:  queue.StateQuotaExceeded,
			ToState:    queue.StateQueued,
			Stage:      item.Stage,
			Reason:     "quota window reset",
			Actor:      "retry-scheduler",
		})
		if err != nil {
			return released, fmt.Errorf("release item %d: %w", item.ID, err)
		}
		if ok {
			released++
		}
	}
	if released > 0 {
		s.logger.InfoContext(ctx, "quota deferred items released", logging.Args(
			logging.String(logging.FieldService, s.service),
			logging.Int("count", released),
		)...)
	}
	return released, nil
}
