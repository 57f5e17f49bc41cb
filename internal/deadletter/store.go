package deadletter

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Entry is one durably recorded unrecoverable failure. Entries are keyed by
// workflow id: repeat failures for the same item update the existing row
// and bump FailureCount rather than creating duplicates.
type Entry struct {
	ID              int64
	WorkflowID      int64
	OriginalData    string
	ErrorMessage    string
	ErrorDetails    string
	FailureCount    int
	LastFailureAt   time.Time
	ResolvedAt      *time.Time
	ResolutionNotes string
	CreatedAt       time.Time
}

// Resolved reports whether remediation has marked the entry handled.
func (e *Entry) Resolved() bool {
	return e.ResolvedAt != nil
}

// Store persists dead-letter entries on the shared workflow database.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// NewStore constructs a dead-letter store over the shared database handle.
func NewStore(db *sql.DB) *Store {
	return &Store{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Record upserts a dead-letter entry for a workflow item. The original item
// snapshot is serialized so operators can triage without the live row.
// Recording a failure for an already-listed item increments its failure
// count, refreshes the error fields, and clears any previous resolution.
func (s *Store) Record(ctx context.Context, workflowID int64, originalData any, errMsg string, details map[string]any) error {
	snapshotJSON, err := marshalDocument(originalData)
	if err != nil {
		return fmt.Errorf("marshal original data: %w", err)
	}
	detailsJSON, err := marshalDocument(details)
	if err != nil {
		return fmt.Errorf("marshal error details: %w", err)
	}

	timestamp := s.now().Format(time.RFC3339Nano)
	if _, err := s.db.ExecContext(
		ctx,
		`INSERT INTO dead_letter_entries (
            workflow_id, original_data_json, error_message, error_details_json,
            failure_count, last_failure_at, created_at
        ) VALUES (?, ?, ?, ?, 1, ?, ?)
        ON CONFLICT(workflow_id) DO UPDATE SET
            original_data_json = excluded.original_data_json,
            error_message = excluded.error_message,
            error_details_json = excluded.error_details_json,
            failure_count = failure_count + 1,
            last_failure_at = excluded.last_failure_at,
            resolved_at = NULL,
            resolution_notes = NULL`,
		workflowID,
		nullableString(snapshotJSON),
		nullableString(errMsg),
		nullableString(detailsJSON),
		timestamp,
		timestamp,
	); err != nil {
		return fmt.Errorf("record dead letter: %w", err)
	}
	return nil
}

// Resolve marks an entry remediated. Resolution is purely administrative:
// it never re-enqueues the workflow item.
func (s *Store) Resolve(ctx context.Context, id int64, notes string) (bool, error) {
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE dead_letter_entries
         SET resolved_at = ?, resolution_notes = ?
         WHERE id = ? AND resolved_at IS NULL`,
		s.now().Format(time.RFC3339Nano),
		nullableString(notes),
		id,
	)
	if err != nil {
		return false, fmt.Errorf("resolve dead letter: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Get fetches one entry by identifier.
func (s *Store) Get(ctx context.Context, id int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM dead_letter_entries WHERE id = ?`, id)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// ByWorkflow fetches the entry for one workflow item, if any.
func (s *Store) ByWorkflow(ctx context.Context, workflowID int64) (*Entry, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+entryColumns+` FROM dead_letter_entries WHERE workflow_id = ?`, workflowID)
	entry, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return entry, nil
}

// List returns entries newest-failure first. When unresolvedOnly is set,
// resolved entries are filtered out so operators see the open backlog.
func (s *Store) List(ctx context.Context, unresolvedOnly bool) ([]*Entry, error) {
	query := `SELECT ` + entryColumns + ` FROM dead_letter_entries`
	if unresolvedOnly {
		query += ` WHERE resolved_at IS NULL`
	}
	query += ` ORDER BY last_failure_at DESC, id DESC`

	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}
	defer rows.Close()

	var entries []*Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

const entryColumns = "id, workflow_id, original_data_json, error_message, error_details_json, failure_count, last_failure_at, resolved_at, resolution_notes, created_at"

func scanEntry(scanner interface{ Scan(dest ...any) error }) (*Entry, error) {
	var (
		entry        Entry
		originalData sql.NullString
		errorMessage sql.NullString
		errorDetails sql.NullString
		lastFailure  string
		resolvedRaw  sql.NullString
		notes        sql.NullString
		createdRaw   string
	)
	if err := scanner.Scan(
		&entry.ID,
		&entry.WorkflowID,
		&originalData,
		&errorMessage,
		&errorDetails,
		&entry.FailureCount,
		&lastFailure,
		&resolvedRaw,
		&notes,
		&createdRaw,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan dead letter: %w", err)
	}
	entry.OriginalData = originalData.String
	entry.ErrorMessage = errorMessage.String
	entry.ErrorDetails = errorDetails.String
	entry.ResolutionNotes = notes.String
	if at, err := time.Parse(time.RFC3339Nano, lastFailure); err == nil {
		entry.LastFailureAt = at
	}
	if resolvedRaw.Valid {
		if at, err := time.Parse(time.RFC3339Nano, resolvedRaw.String); err == nil {
			entry.ResolvedAt = &at
		}
	}
	if at, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		entry.CreatedAt = at
	}
	return &entry, nil
}

func marshalDocument(value any) (string, error) {
	if value == nil {
		return "", nil
	}
	out, err := json.Marshal(value)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}
