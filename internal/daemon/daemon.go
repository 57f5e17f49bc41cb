package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"loom/internal/config"
	"loom/internal/logging"
	"loom/internal/queue"
	"loom/internal/quota"
	"loom/internal/worker"
)

// Daemon hosts the worker pool, the domain event relay, and single-instance
// enforcement. The pool is optional: without one the daemon still relays
// events and keeps the store healthy, which is useful for relay-only
// deployments next to an embedding process.
type Daemon struct {
	cfg    *config.Config
	logger *slog.Logger
	store  *queue.Store
	pool   *worker.Pool
	quotas *quota.Tracker

	lockPath string
	lock     *flock.Flock

	relayInterval time.Duration
	relayBatch    int

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// Status reports daemon runtime information.
type Status struct {
	Running      bool
	QueueDBPath  string
	LockFilePath string
	Health       queue.HealthSummary
}

// New constructs a daemon with initialized dependencies. pool may be nil.
func New(cfg *config.Config, store *queue.Store, logger *slog.Logger, pool *worker.Pool, quotas *quota.Tracker) (*Daemon, error) {
	if cfg == nil || store == nil {
		return nil, errors.New("daemon requires config and store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	lockPath := cfg.LockPath()
	return &Daemon{
		cfg:           cfg,
		logger:        logging.NewComponentLogger(logger, "daemon"),
		store:         store,
		pool:          pool,
		quotas:        quotas,
		lockPath:      lockPath,
		lock:          flock.New(lockPath),
		relayInterval: time.Duration(cfg.Workflow.EventRelayInterval) * time.Second,
		relayBatch:    cfg.Workflow.EventRelayBatchSize,
	}, nil
}

// Start acquires the instance lock and launches background processing.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another loom daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	if d.quotas != nil && d.cfg.Quota.SeedDefaults {
		if err := d.quotas.SeedDefaults(runCtx, d.cfg.Quota.DefaultService); err != nil {
			_ = d.lock.Unlock()
			cancel()
			d.cancel = nil
			return fmt.Errorf("seed quota defaults: %w", err)
		}
	}

	if d.pool != nil {
		if err := d.pool.Start(runCtx); err != nil {
			_ = d.lock.Unlock()
			cancel()
			d.cancel = nil
			return fmt.Errorf("start worker pool: %w", err)
		}
	} else {
		d.logger.Warn("no worker pool configured; running relay only")
	}

	d.wg.Add(1)
	go d.runRelay(runCtx)

	d.running.Store(true)
	d.logger.Info("loom daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop terminates background processing and releases the instance lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}

	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	if d.pool != nil {
		d.pool.Stop()
	}
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock failed", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("loom daemon stopped")
}

// Close stops the daemon and releases the store.
func (d *Daemon) Close() error {
	d.Stop()
	return d.store.Close()
}

// Status returns current daemon diagnostics.
func (d *Daemon) Status(ctx context.Context) (Status, error) {
	health, err := d.store.Health(ctx)
	if err != nil {
		return Status{}, fmt.Errorf("queue health: %w", err)
	}
	return Status{
		Running:      d.running.Load(),
		QueueDBPath:  d.cfg.DatabasePath(),
		LockFilePath: d.lockPath,
		Health:       health,
	}, nil
}
