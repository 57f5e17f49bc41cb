package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// TransitionRequest describes one compare-and-swap state change.
type TransitionRequest struct {
	WorkflowID int64
	FromState  State
	ToState    State
	Stage      string
	Reason     string
	Metadata   Metadata
	Actor      string

	// NextRetryAt schedules the earliest claim time when re-queueing an
	// item for retry. Applied only on transitions into queued.
	NextRetryAt *time.Time
	// PartialResults replaces the item's resumable-work snapshot when set.
	PartialResults string
	// IncrementRetry bumps the item's retry counter as part of the same
	// atomic commit. Set by the retry scheduler.
	IncrementRetry bool
}

// Transition performs a compare-and-swap state change on one workflow item.
//
// The read, guard check, item update, audit record, and domain event are a
// single transaction: either all five effects commit or none do. A false
// return with nil error means the item's current state no longer matched
// FromState, an expected outcome under concurrent callers rather than an
// error.
// This is the only path that mutates an item's state.
func (s *Store) Transition(ctx context.Context, req TransitionRequest) (bool, error) {
	ctx = ensureContext(ctx)
	if _, ok := stateSet[req.FromState]; !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownState, req.FromState)
	}
	if _, ok := stateSet[req.ToState]; !ok {
		return false, fmt.Errorf("%w: %q", ErrUnknownState, req.ToState)
	}
	if !CanTransition(req.FromState, req.ToState) {
		return false, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, req.FromState, req.ToState)
	}

	metadataJSON, err := marshalMetadata(req.Metadata)
	if err != nil {
		return false, err
	}
	eventData, err := marshalEventData(StateChangedPayload{
		FromState: req.FromState,
		ToState:   req.ToState,
		Stage:     req.Stage,
		Reason:    req.Reason,
	})
	if err != nil {
		return false, err
	}

	now := s.now()
	timestamp := formatTime(now)
	matched := false

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		row := tx.QueryRowContext(
			ctx,
			`SELECT state, version, stage, stage_details_json FROM workflow_items WHERE id = ?`,
			req.WorkflowID,
		)
		var (
			currentState State
			version      int64
			stage        sql.NullString
			stageDetails sql.NullString
		)
		if err := row.Scan(&currentState, &version, &stage, &stageDetails); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: id %d", ErrNotFound, req.WorkflowID)
			}
			return fmt.Errorf("read item state: %w", err)
		}

		if currentState != req.FromState {
			return nil
		}
		matched = true

		newStage := stage.String
		if req.Stage != "" {
			newStage = req.Stage
		}
		mergedDetails, err := mergeStageDetails(stageDetails.String, req.Metadata)
		if err != nil {
			return err
		}

		set := `state = ?, version = ?, stage = ?, stage_details_json = ?, updated_at = ?`
		args := []any{req.ToState, version + 1, nullableString(newStage), nullableString(mergedDetails), timestamp}

		switch req.ToState {
		case StateQueued:
			set += `, queued_at = COALESCE(queued_at, ?), next_retry_at = ?`
			args = append(args, timestamp, nullableTime(req.NextRetryAt))
		case StateProcessing:
			set += `, processing_started_at = ?, last_error = NULL`
			args = append(args, timestamp)
		case StateCompleted:
			set += `, completed_at = ?`
			args = append(args, timestamp)
		case StateFailed:
			set += `, completed_at = ?, last_error = ?`
			args = append(args, timestamp, nullableString(req.Reason))
		case StateQuotaExceeded:
			// Entry bookkeeping happens here and only here, so the counter
			// moves exactly once per entry into the state.
			set += `, quota_exceeded_count = quota_exceeded_count + 1, last_quota_check = ?, last_error = ?`
			args = append(args, timestamp, nullableString(req.Reason))
		case StatePartiallyProcessed:
			set += `, last_error = ?`
			args = append(args, nullableString(req.Reason))
		}

		if req.PartialResults != "" {
			set += `, partial_results_json = ?`
			args = append(args, req.PartialResults)
		}
		if req.IncrementRetry {
			set += `, retry_count = retry_count + 1`
		}

		args = append(args, req.WorkflowID)
		if _, err := tx.ExecContext(ctx, `UPDATE workflow_items SET `+set+` WHERE id = ?`, args...); err != nil {
			return fmt.Errorf("update item: %w", err)
		}

		if _, err := tx.ExecContext(
			ctx,
			`INSERT INTO transition_records (workflow_id, from_state, to_state, stage, reason, metadata_json, actor, created_at)
             VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			req.WorkflowID,
			req.FromState,
			req.ToState,
			nullableString(newStage),
			nullableString(req.Reason),
			nullableString(metadataJSON),
			nullableString(req.Actor),
			timestamp,
		); err != nil {
			return fmt.Errorf("insert transition record: %w", err)
		}

		return appendEvent(ctx, tx, uuid.NewString(), req.WorkflowID, EventStateChanged, eventData, timestamp)
	})
	if err != nil {
		return false, err
	}
	return matched, nil
}
