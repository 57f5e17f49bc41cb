package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// AcquireLease grants a time-bounded exclusive processing lease. It succeeds
// when the lease is unheld, already held by workerID (idempotent renewal),
// or older than timeout (stale takeover). The guard and the write are one
// conditional UPDATE so concurrent acquirers never both succeed.
func (s *Store) AcquireLease(ctx context.Context, workflowID int64, workerID string, timeout time.Duration) (bool, error) {
	ctx = ensureContext(ctx)
	if workerID == "" {
		return false, errors.New("worker id must not be empty")
	}
	now := s.now()
	cutoff := now.Add(-timeout)

	res, err := s.execWithRetry(
		ctx,
		`UPDATE workflow_items
         SET lease_holder = ?, lease_acquired_at = ?, updated_at = ?
         WHERE id = ?
           AND (lease_holder IS NULL OR lease_holder = ? OR lease_acquired_at < ?)`,
		workerID,
		formatTime(now),
		formatTime(now),
		workflowID,
		workerID,
		formatTime(cutoff),
	)
	if err != nil {
		return false, fmt.Errorf("acquire lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ReleaseLease clears the lease if workerID is the current holder. Releasing
// a lease held by someone else (or no one) is a no-op returning false.
func (s *Store) ReleaseLease(ctx context.Context, workflowID int64, workerID string) (bool, error) {
	ctx = ensureContext(ctx)
	res, err := s.execWithRetry(
		ctx,
		`UPDATE workflow_items
         SET lease_holder = NULL, lease_acquired_at = NULL, updated_at = ?
         WHERE id = ? AND lease_holder = ?`,
		formatTime(s.now()),
		workflowID,
		workerID,
	)
	if err != nil {
		return false, fmt.Errorf("release lease: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// ClaimNext selects the most eligible queued item and leases it to workerID
// in one transaction. Eligible means queued, past its retry delay, and not
// carrying a live lease. Ordering is priority descending, then queue age.
// Returns nil when nothing is claimable.
func (s *Store) ClaimNext(ctx context.Context, workerID string, leaseTimeout time.Duration) (*Item, error) {
	ctx = ensureContext(ctx)
	if workerID == "" {
		return nil, errors.New("worker id must not be empty")
	}
	now := s.now()
	cutoff := now.Add(-leaseTimeout)

	var claimedID int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT id FROM workflow_items
             WHERE state = ?
               AND (next_retry_at IS NULL OR next_retry_at <= ?)
               AND (lease_holder IS NULL OR lease_acquired_at < ?)
             ORDER BY priority DESC, queued_at ASC, id ASC
             LIMIT 1`,
			StateQueued,
			formatTime(now),
			formatTime(cutoff),
		)
		if err := row.Scan(&claimedID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				claimedID = 0
				return nil
			}
			return fmt.Errorf("select claimable item: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			`UPDATE workflow_items
             SET lease_holder = ?, lease_acquired_at = ?, updated_at = ?
             WHERE id = ?`,
			workerID,
			formatTime(now),
			formatTime(now),
			claimedID,
		); err != nil {
			return fmt.Errorf("lease claimed item: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if claimedID == 0 {
		return nil, nil
	}
	return s.GetByID(ctx, claimedID)
}

// ReclaimExpired returns items stuck in processing with an expired (or
// missing) lease back to the queue so another worker can resume from the
// last durable stage. Each recovery goes through the transition engine.
func (s *Store) ReclaimExpired(ctx context.Context, leaseTimeout time.Duration, actor string) (int, error) {
	ctx = ensureContext(ctx)
	cutoff := s.now().Add(-leaseTimeout)

	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id FROM workflow_items
         WHERE state = ?
           AND (lease_holder IS NULL OR lease_acquired_at < ?)`,
		StateProcessing,
		formatTime(cutoff),
	)
	if err != nil {
		return 0, fmt.Errorf("query expired leases: %w", err)
	}
	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan expired lease id: %w", err)
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, id := range ids {
		ok, err := s.Transition(ctx, TransitionRequest{
			WorkflowID: id,
			FromState:  StateProcessing,
			ToState:    StateQueued,
			Reason:     "lease expired",
			Actor:      actor,
		})
		if err != nil {
			return reclaimed, err
		}
		if !ok {
			// Another worker resumed or finished the item meanwhile.
			continue
		}
		if _, err := s.execWithRetry(
			ctx,
			`UPDATE workflow_items
             SET lease_holder = NULL, lease_acquired_at = NULL
             WHERE id = ? AND lease_acquired_at < ?`,
			id,
			formatTime(cutoff),
		); err != nil {
			return reclaimed, fmt.Errorf("clear expired lease: %w", err)
		}
		reclaimed++
	}
	return reclaimed, nil
}
