package worker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/quota"
	"loom/internal/retry"
)

// quotaGateError routes pre-execution quota exhaustion through the same
// scheduler path as a quota failure reported by the handler itself.
type quotaGateError struct {
	service string
	types   []string
}

func (e quotaGateError) Error() string {
	return fmt.Sprintf("quota exhausted for %s before processing: %v", e.service, e.types)
}

func (e quotaGateError) FailureKind() queue.FailureKind { return queue.FailureQuota }

// Pool claims queued items and drives them through handler execution. Each
// worker holds a lease on its claimed item and renews it for the duration of
// the run; a maintenance loop reclaims items whose workers died and releases
// quota-parked items when the service window recovers.
type Pool struct {
	store     *queue.Store
	scheduler *retry.Scheduler
	quotas    *quota.Tracker
	handler   Handler
	logger    *slog.Logger

	workerCount     int
	pollInterval    time.Duration
	leaseTimeout    time.Duration
	renewalInterval time.Duration
	reclaimInterval time.Duration
	workerPrefix    string

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewPool constructs a worker pool from workflow configuration.
func NewPool(store *queue.Store, scheduler *retry.Scheduler, quotas *quota.Tracker, handler Handler, cfg *config.Config, logger *slog.Logger) *Pool {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Pool{
		store:           store,
		scheduler:       scheduler,
		quotas:          quotas,
		handler:         handler,
		logger:          logging.NewComponentLogger(logger, "worker"),
		workerCount:     cfg.Workflow.WorkerCount,
		pollInterval:    time.Duration(cfg.Workflow.QueuePollInterval) * time.Second,
		leaseTimeout:    time.Duration(cfg.Workflow.LeaseTimeout) * time.Second,
		renewalInterval: time.Duration(cfg.Workflow.LeaseRenewalInterval) * time.Second,
		reclaimInterval: time.Duration(cfg.Workflow.ReclaimInterval) * time.Second,
		workerPrefix:    "worker",
	}
}

// Start begins background processing.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return errors.New("worker pool already running")
	}
	if p.handler == nil {
		return errors.New("worker pool requires a handler")
	}
	if p.workerCount <= 0 {
		return errors.New("worker pool requires at least one worker")
	}

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.running = true

	p.wg.Add(p.workerCount + 1)
	for i := 0; i < p.workerCount; i++ {
		workerID := fmt.Sprintf("%s-%d", p.workerPrefix, i+1)
		go p.runWorker(runCtx, workerID)
	}
	go p.runMaintenance(runCtx)

	p.logger.InfoContext(ctx, "worker pool started", logging.Args(
		logging.Int("workers", p.workerCount),
		logging.Duration("lease_timeout", p.leaseTimeout),
	)...)
	return nil
}

// Stop terminates background processing and waits for in-flight work.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	cancel := p.cancel
	p.running = false
	p.cancel = nil
	p.mu.Unlock()

	cancel()
	p.wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, workerID string) {
	defer p.wg.Done()
	logger := p.logger.With(logging.String(logging.FieldWorkerID, workerID))

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		item, err := p.store.ClaimNext(ctx, workerID, p.leaseTimeout)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			logger.Error("claim next item failed", logging.Error(err))
			p.sleep(ctx, p.pollInterval)
			continue
		}
		if item == nil {
			p.sleep(ctx, p.pollInterval)
			continue
		}

		p.processItem(ctx, workerID, logger, item)
	}
}

func (p *Pool) processItem(ctx context.Context, workerID string, logger *slog.Logger, item *queue.Item) {
	itemCtx := logging.WithWorkerID(logging.WithItemID(ctx, item.ID), workerID)
	logger = logger.With(logging.Int64(logging.FieldItemID, item.ID))

	ok, err := p.store.Transition(itemCtx, queue.TransitionRequest{
		WorkflowID: item.ID,
		FromState:  queue.StateQueued,
		ToState:    queue.StateProcessing,
		Stage:      item.Stage,
		Actor:      workerID,
	})
	if err != nil {
		logger.Error("start processing failed", logging.Error(err))
		p.releaseLease(itemCtx, item.ID, workerID, logger)
		return
	}
	if !ok {
		// Lost the race to another actor despite holding the lease.
		p.releaseLease(itemCtx, item.ID, workerID, logger)
		return
	}
	defer p.releaseLease(itemCtx, item.ID, workerID, logger)

	item, err = p.store.GetByID(itemCtx, item.ID)
	if err != nil {
		logger.Error("reload claimed item failed", logging.Error(err))
		return
	}

	if gateErr := p.quotaGate(itemCtx); gateErr != nil {
		p.routeFailure(itemCtx, logger, item, gateErr)
		return
	}

	renewCtx, stopRenewal := context.WithCancel(itemCtx)
	var renewWG sync.WaitGroup
	renewWG.Add(1)
	go p.renewLease(renewCtx, &renewWG, item.ID, workerID, logger)

	result, handleErr := p.handler.Handle(itemCtx, item)
	stopRenewal()
	renewWG.Wait()

	if handleErr != nil {
		if errors.Is(handleErr, context.Canceled) {
			// Shutdown mid-run. The lease expires and reclamation re-queues.
			return
		}
		p.routeFailure(itemCtx, logger, item, handleErr)
		return
	}
	p.commitResult(itemCtx, logger, item, workerID, result)
}

// quotaGate checks the tracker before execution when the handler declares a
// quota-bound service. An exhausted quota parks the item instead of burning
// a doomed request against the external service.
func (p *Pool) quotaGate(ctx context.Context) error {
	bound, ok := p.handler.(QuotaBound)
	if !ok || p.quotas == nil {
		return nil
	}
	service := bound.ServiceName()
	exhausted, err := p.quotas.ExceededTypes(ctx, service)
	if err != nil {
		// Tracker trouble must not wedge the queue; treat quota as unknown.
		p.logger.WarnContext(ctx, "quota check failed", logging.Error(err))
		return nil
	}
	if len(exhausted) == 0 {
		return nil
	}
	return quotaGateError{service: service, types: exhausted}
}

func (p *Pool) routeFailure(ctx context.Context, logger *slog.Logger, item *queue.Item, workErr error) {
	outcome, err := p.scheduler.HandleFailure(ctx, item, workErr)
	if err != nil {
		logger.Error("failure routing failed", logging.Error(err))
		return
	}
	logger.InfoContext(ctx, "item failure routed", logging.Args(
		logging.String("outcome", string(outcome)),
		logging.Error(workErr),
	)...)
}

func (p *Pool) commitResult(ctx context.Context, logger *slog.Logger, item *queue.Item, workerID string, result *Result) {
	if result == nil {
		result = &Result{}
	}
	stage := result.Stage
	if stage == "" {
		stage = item.Stage
	}

	if result.PartialResults != "" {
		ok, err := p.store.Transition(ctx, queue.TransitionRequest{
			WorkflowID:     item.ID,
			FromState:      queue.StateProcessing,
			ToState:        queue.StatePartiallyProcessed,
			Stage:          stage,
			Reason:         "handler yielded partial results",
			Actor:          workerID,
			Metadata:       result.Metadata,
			PartialResults: result.PartialResults,
		})
		if err != nil {
			logger.Error("commit partial results failed", logging.Error(err))
			return
		}
		if !ok {
			return
		}
		if result.Resume {
			if _, err := p.store.Transition(ctx, queue.TransitionRequest{
				WorkflowID: item.ID,
				FromState:  queue.StatePartiallyProcessed,
				ToState:    queue.StateQueued,
				Stage:      stage,
				Reason:     "resume from partial results",
				Actor:      workerID,
			}); err != nil {
				logger.Error("re-queue for resume failed", logging.Error(err))
			}
		}
		logger.InfoContext(ctx, "item partially processed", logging.Args(
			logging.String(logging.FieldStage, stage),
			logging.Bool("resume", result.Resume),
		)...)
		return
	}

	ok, err := p.store.Transition(ctx, queue.TransitionRequest{
		WorkflowID: item.ID,
		FromState:  queue.StateProcessing,
		ToState:    queue.StateCompleted,
		Stage:      stage,
		Actor:      workerID,
		Metadata:   result.Metadata,
	})
	if err != nil {
		logger.Error("complete item failed", logging.Error(err))
		return
	}
	if ok {
		logger.InfoContext(ctx, "item completed", logging.String(logging.FieldStage, stage))
	}
}

func (p *Pool) renewLease(ctx context.Context, wg *sync.WaitGroup, itemID int64, workerID string, logger *slog.Logger) {
	defer wg.Done()
	if p.renewalInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.renewalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.store.AcquireLease(ctx, itemID, workerID, p.leaseTimeout)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					logger.Warn("lease renewal failed", logging.Error(err))
				}
				continue
			}
			if !ok {
				logger.Warn("lease lost during processing")
				return
			}
		}
	}
}

func (p *Pool) runMaintenance(ctx context.Context) {
	defer p.wg.Done()
	if p.reclaimInterval <= 0 {
		return
	}
	ticker := time.NewTicker(p.reclaimInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			reclaimed, err := p.store.ReclaimExpired(ctx, p.leaseTimeout, "maintenance")
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.Warn("lease reclamation failed", logging.Error(err))
				}
			} else if reclaimed > 0 {
				p.logger.Info("expired leases reclaimed", logging.Int("count", reclaimed))
			}

			released, err := p.scheduler.ReleaseQuotaDeferred(ctx)
			if err != nil {
				if !errors.Is(err, context.Canceled) {
					p.logger.Warn("quota release failed", logging.Error(err))
				}
			} else if released > 0 {
				p.logger.Info("quota deferred items re-queued", logging.Int("count", released))
			}
		}
	}
}

func (p *Pool) releaseLease(ctx context.Context, itemID int64, workerID string, logger *slog.Logger) {
	if _, err := p.store.ReleaseLease(context.WithoutCancel(ctx), itemID, workerID); err != nil {
		logger.Warn("lease release failed", logging.Error(err))
	}
}

func (p *Pool) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		d = time.Second
	}
	select {
	case <-ctx.Done():
	case <-time.After(d):
	}
}
