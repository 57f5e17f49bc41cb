package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Enqueue creates a workflow item in state created and records an
// item_created domain event. Producers (or the CLI) then drive the
// created -> queued transition explicitly.
func (s *Store) Enqueue(ctx context.Context, payload Metadata, priority int) (*Item, error) {
	ctx = ensureContext(ctx)
	payloadJSON, err := marshalMetadata(payload)
	if err != nil {
		return nil, err
	}
	eventData, err := marshalEventData(ItemCreatedPayload{Priority: priority})
	if err != nil {
		return nil, err
	}

	now := s.now()
	timestamp := formatTime(now)
	var id int64
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(
			ctx,
			`INSERT INTO workflow_items (
                state, version, priority, payload_json, retry_count, max_retries,
                created_at, updated_at
            ) VALUES (?, 1, ?, ?, 0, ?, ?, ?)`,
			StateCreated,
			priority,
			nullableString(payloadJSON),
			s.defaultMaxRetries,
			timestamp,
			timestamp,
		)
		if err != nil {
			return fmt.Errorf("insert workflow item: %w", err)
		}
		id, err = res.LastInsertId()
		if err != nil {
			return fmt.Errorf("last insert id: %w", err)
		}
		return appendEvent(ctx, tx, uuid.NewString(), id, EventItemCreated, eventData, timestamp)
	})
	if err != nil {
		return nil, err
	}
	return s.GetByID(ctx, id)
}

// GetByID fetches a workflow item by identifier.
func (s *Store) GetByID(ctx context.Context, id int64) (*Item, error) {
	ctx = ensureContext(ctx)
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM workflow_items WHERE id = ?`, id)
	item, err := scanItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	return item, nil
}

// List returns workflow items filtered by state set (or all items when no
// state is provided), ordered by creation time.
func (s *Store) List(ctx context.Context, states ...State) ([]*Item, error) {
	ctx = ensureContext(ctx)
	var (
		rows *sql.Rows
		err  error
	)

	baseQuery := `SELECT ` + itemColumns + ` FROM workflow_items`
	orderClause := ` ORDER BY created_at, id`

	if len(states) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(states))
		args := make([]any, len(states))
		for i, state := range states {
			args[i] = state
		}
		query := baseQuery + ` WHERE state IN (` + placeholders + `)` + orderClause
		rows, err = s.db.QueryContext(ctx, query, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list workflow items: %w", err)
	}
	defer rows.Close()

	var items []*Item
	for rows.Next() {
		item, err := scanItem(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// History returns the ordered audit trail for one workflow item.
func (s *Store) History(ctx context.Context, workflowID int64) ([]TransitionRecord, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT id, workflow_id, from_state, to_state, stage, reason, metadata_json, actor, created_at
         FROM transition_records WHERE workflow_id = ? ORDER BY id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	var records []TransitionRecord
	for rows.Next() {
		var (
			record     TransitionRecord
			fromState  string
			toState    string
			stage      sql.NullString
			reason     sql.NullString
			metadata   sql.NullString
			actor      sql.NullString
			createdRaw string
		)
		if err := rows.Scan(&record.ID, &record.WorkflowID, &fromState, &toState, &stage, &reason, &metadata, &actor, &createdRaw); err != nil {
			return nil, fmt.Errorf("scan transition record: %w", err)
		}
		record.FromState = State(fromState)
		record.ToState = State(toState)
		record.Stage = stage.String
		record.Reason = reason.String
		record.Metadata = metadata.String
		record.Actor = actor.String
		if created, err := parseTimeString(createdRaw); err == nil {
			record.CreatedAt = created
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// PayloadInto unmarshals the item's payload document into dest.
func (i *Item) PayloadInto(dest any) error {
	if i.Payload == "" {
		return nil
	}
	if err := json.Unmarshal([]byte(i.Payload), dest); err != nil {
		return fmt.Errorf("parse payload: %w", err)
	}
	return nil
}

// Stats returns a count of items grouped by state.
func (s *Store) Stats(ctx context.Context) (map[State]int, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(1) FROM workflow_items GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("workflow stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[State]int)
	for rows.Next() {
		var state State
		var count int
		if err := rows.Scan(&state, &count); err != nil {
			return nil, err
		}
		stats[state] = count
	}
	return stats, rows.Err()
}

// Health aggregates workflow state for diagnostic output.
func (s *Store) Health(ctx context.Context) (HealthSummary, error) {
	stats, err := s.Stats(ctx)
	if err != nil {
		return HealthSummary{}, err
	}
	health := HealthSummary{}
	for state, count := range stats {
		health.Total += count
		switch state {
		case StateQueued:
			health.Queued += count
		case StateProcessing:
			health.Processing += count
		case StateCompleted:
			health.Completed += count
		case StateFailed:
			health.Failed += count
		case StateQuotaExceeded:
			health.QuotaExceeded += count
		}
	}
	return health, nil
}

const itemColumns = "id, state, version, stage, priority, payload_json, stage_details_json, partial_results_json, retry_count, max_retries, next_retry_at, quota_exceeded_count, last_quota_check, lease_holder, lease_acquired_at, last_error, queued_at, processing_started_at, completed_at, created_at, updated_at"

func scanItem(scanner interface{ Scan(dest ...any) error }) (*Item, error) {
	var (
		id              int64
		stateStr        string
		version         int64
		stage           sql.NullString
		priority        int
		payload         sql.NullString
		stageDetails    sql.NullString
		partialResults  sql.NullString
		retryCount      int
		maxRetries      int
		nextRetryRaw    sql.NullString
		quotaExceeded   int
		lastQuotaRaw    sql.NullString
		leaseHolder     sql.NullString
		leaseAcquired   sql.NullString
		lastError       sql.NullString
		queuedRaw       sql.NullString
		processingRaw   sql.NullString
		completedRaw    sql.NullString
		createdRaw      string
		updatedRaw      string
	)

	if err := scanner.Scan(
		&id,
		&stateStr,
		&version,
		&stage,
		&priority,
		&payload,
		&stageDetails,
		&partialResults,
		&retryCount,
		&maxRetries,
		&nextRetryRaw,
		&quotaExceeded,
		&lastQuotaRaw,
		&leaseHolder,
		&leaseAcquired,
		&lastError,
		&queuedRaw,
		&processingRaw,
		&completedRaw,
		&createdRaw,
		&updatedRaw,
	); err != nil {
		return nil, err
	}

	item := &Item{
		ID:                 id,
		State:              State(stateStr),
		Version:            version,
		Stage:              stage.String,
		Priority:           priority,
		Payload:            payload.String,
		StageDetails:       stageDetails.String,
		PartialResults:     partialResults.String,
		RetryCount:         retryCount,
		MaxRetries:         maxRetries,
		QuotaExceededCount: quotaExceeded,
		LeaseHolder:        leaseHolder.String,
		LastError:          lastError.String,
	}

	assignTime := func(raw sql.NullString, dest **time.Time) {
		if !raw.Valid {
			return
		}
		if t, err := parseTimeString(raw.String); err == nil {
			*dest = &t
		}
	}
	assignTime(nextRetryRaw, &item.NextRetryAt)
	assignTime(lastQuotaRaw, &item.LastQuotaCheck)
	assignTime(leaseAcquired, &item.LeaseAcquiredAt)
	assignTime(queuedRaw, &item.QueuedAt)
	assignTime(processingRaw, &item.ProcessingStartedAt)
	assignTime(completedRaw, &item.CompletedAt)

	if created, err := parseTimeString(createdRaw); err == nil {
		item.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw); err == nil {
		item.UpdatedAt = updated
	}
	return item, nil
}
