package queue

import (
	"context"
	"database/sql"
	"fmt"
)

// appendEvent inserts a domain event inside an open transaction so the
// event commits or rolls back together with the mutation that caused it.
func appendEvent(ctx context.Context, tx *sql.Tx, eventID string, workflowID int64, eventType, eventData, timestamp string) error {
	if _, err := tx.ExecContext(
		ctx,
		`INSERT INTO domain_events (event_id, workflow_id, event_type, event_data_json, processed, created_at)
         VALUES (?, ?, ?, ?, 0, ?)`,
		eventID,
		workflowID,
		eventType,
		nullableString(eventData),
		timestamp,
	); err != nil {
		return fmt.Errorf("insert domain event: %w", err)
	}
	return nil
}

// UnprocessedEvents returns up to limit pending domain events in insertion
// order. Consumers mark what they handled with MarkEventsProcessed; the
// store never deletes events.
func (s *Store) UnprocessedEvents(ctx context.Context, limit int) ([]DomainEvent, error) {
	ctx = ensureContext(ctx)
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT event_id, workflow_id, event_type, event_data_json, processed, created_at
         FROM domain_events WHERE processed = 0 ORDER BY created_at, event_id LIMIT ?`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query unprocessed events: %w", err)
	}
	defer rows.Close()

	var events []DomainEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// EventsForItem returns every domain event recorded for one workflow item.
func (s *Store) EventsForItem(ctx context.Context, workflowID int64) ([]DomainEvent, error) {
	ctx = ensureContext(ctx)
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT event_id, workflow_id, event_type, event_data_json, processed, created_at
         FROM domain_events WHERE workflow_id = ? ORDER BY created_at, event_id`,
		workflowID,
	)
	if err != nil {
		return nil, fmt.Errorf("query item events: %w", err)
	}
	defer rows.Close()

	var events []DomainEvent
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// MarkEventsProcessed flags the given events as consumed.
func (s *Store) MarkEventsProcessed(ctx context.Context, eventIDs ...string) (int64, error) {
	ctx = ensureContext(ctx)
	if len(eventIDs) == 0 {
		return 0, nil
	}
	placeholders := makePlaceholders(len(eventIDs))
	args := make([]any, len(eventIDs))
	for i, id := range eventIDs {
		args[i] = id
	}
	res, err := s.execWithRetry(
		ctx,
		`UPDATE domain_events SET processed = 1 WHERE event_id IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("mark events processed: %w", err)
	}
	return res.RowsAffected()
}

func scanEvent(rows *sql.Rows) (DomainEvent, error) {
	var (
		event      DomainEvent
		eventData  sql.NullString
		processed  int
		createdRaw string
	)
	if err := rows.Scan(&event.EventID, &event.WorkflowID, &event.EventType, &eventData, &processed, &createdRaw); err != nil {
		return DomainEvent{}, fmt.Errorf("scan domain event: %w", err)
	}
	event.EventData = eventData.String
	event.Processed = processed != 0
	if created, err := parseTimeString(createdRaw); err == nil {
		event.CreatedAt = created
	}
	return event, nil
}
