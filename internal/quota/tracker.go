package quota

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// DefaultRecencyWindow bounds how long a usage snapshot stays authoritative.
// Past the window the tracker assumes quota is unconstrained.
const DefaultRecencyWindow = 24 * time.Hour

// TypeUsage carries the caller-reported counters for one quota type.
// Remaining is a pointer so "not reported" and "zero remaining" stay
// distinguishable.
type TypeUsage struct {
	Remaining *int64 `json:"remaining,omitempty"`
	Used      int64  `json:"used,omitempty"`
	Limit     int64  `json:"limit,omitempty"`
}

// Snapshot is the structured usage document appended per RecordUsage call.
// The tracker trusts the caller's self-reported remaining values; it does
// not sum raw call counts itself.
type Snapshot struct {
	Types      map[string]TypeUsage `json:"types"`
	TokensUsed int64                `json:"tokens_used,omitempty"`
	CostMicros int64                `json:"cost_micros,omitempty"`
}

// Record is one persisted usage snapshot.
type Record struct {
	LogID       int64
	WorkflowID  *int64
	ServiceName string
	Snapshot    Snapshot
	CreatedAt   time.Time
}

// Limit is operator-managed quota configuration for one service dimension.
type Limit struct {
	ID            int64
	ServiceName   string
	QuotaType     string
	LimitValue    int64
	WindowSeconds int
	IsActive      bool
}

// Tracker gates quota-bound work against self-reported usage snapshots.
// It shares the workflow database so snapshots, limits, and item state live
// on the same coordination substrate.
type Tracker struct {
	db            *sql.DB
	now           func() time.Time
	recencyWindow time.Duration
}

// Option configures optional Tracker behavior.
type Option func(*Tracker)

// WithRecencyWindow overrides how long snapshots stay authoritative.
func WithRecencyWindow(window time.Duration) Option {
	return func(t *Tracker) {
		if window > 0 {
			t.recencyWindow = window
		}
	}
}

// WithClock overrides the tracker clock; used by tests.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) {
		if now != nil {
			t.now = now
		}
	}
}

// NewTracker constructs a Tracker over the shared database handle.
func NewTracker(db *sql.DB, opts ...Option) *Tracker {
	tracker := &Tracker{
		db:            db,
		now:           func() time.Time { return time.Now().UTC() },
		recencyWindow: DefaultRecencyWindow,
	}
	for _, opt := range opts {
		opt(tracker)
	}
	return tracker
}

// RecordUsage appends a usage snapshot for a service. workflowID may be nil
// for usage not tied to one item.
func (t *Tracker) RecordUsage(ctx context.Context, serviceName string, snapshot Snapshot, workflowID *int64) error {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return errors.New("service name must not be empty")
	}
	usageJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal usage snapshot: %w", err)
	}

	var workflowValue any
	if workflowID != nil {
		workflowValue = *workflowID
	}
	if _, err := t.db.ExecContext(
		ctx,
		`INSERT INTO quota_usage_log (workflow_id, service_name, usage_json, created_at)
         VALUES (?, ?, ?, ?)`,
		workflowValue,
		serviceName,
		string(usageJSON),
		t.now().Format(time.RFC3339Nano),
	); err != nil {
		return fmt.Errorf("insert usage snapshot: %w", err)
	}
	return nil
}

// CurrentUsage returns the most recent snapshot for a service inside the
// recency window, or nil when usage is unknown (treated as unconstrained).
func (t *Tracker) CurrentUsage(ctx context.Context, serviceName string) (*Record, error) {
	cutoff := t.now().Add(-t.recencyWindow)
	row := t.db.QueryRowContext(
		ctx,
		`SELECT id, workflow_id, service_name, usage_json, created_at
         FROM quota_usage_log
         WHERE service_name = ? AND created_at >= ?
         ORDER BY created_at DESC, id DESC LIMIT 1`,
		serviceName,
		cutoff.Format(time.RFC3339Nano),
	)

	var (
		record     Record
		workflowID sql.NullInt64
		usageJSON  string
		createdRaw string
	)
	if err := row.Scan(&record.LogID, &workflowID, &record.ServiceName, &usageJSON, &createdRaw); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("query current usage: %w", err)
	}
	if workflowID.Valid {
		id := workflowID.Int64
		record.WorkflowID = &id
	}
	if err := json.Unmarshal([]byte(usageJSON), &record.Snapshot); err != nil {
		return nil, fmt.Errorf("parse usage snapshot: %w", err)
	}
	if created, err := time.Parse(time.RFC3339Nano, createdRaw); err == nil {
		record.CreatedAt = created
	}
	return &record, nil
}

// IsExceeded reports whether the latest snapshot shows the quota type
// exhausted and the corresponding limit is active. Unknown usage, unknown
// quota types, and inactive limits all report false.
func (t *Tracker) IsExceeded(ctx context.Context, serviceName, quotaType string) (bool, error) {
	record, err := t.CurrentUsage(ctx, serviceName)
	if err != nil {
		return false, err
	}
	if record == nil {
		return false, nil
	}
	usage, ok := record.Snapshot.Types[quotaType]
	if !ok || usage.Remaining == nil || *usage.Remaining > 0 {
		return false, nil
	}

	limit, err := t.limit(ctx, serviceName, quotaType)
	if err != nil {
		return false, err
	}
	return limit != nil && limit.IsActive, nil
}

// ExceededTypes returns every quota type the latest snapshot reports as
// exhausted, honoring limit activity the same way IsExceeded does.
func (t *Tracker) ExceededTypes(ctx context.Context, serviceName string) ([]string, error) {
	record, err := t.CurrentUsage(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, nil
	}
	var exhausted []string
	for quotaType, usage := range record.Snapshot.Types {
		if usage.Remaining == nil || *usage.Remaining > 0 {
			continue
		}
		limit, err := t.limit(ctx, serviceName, quotaType)
		if err != nil {
			return nil, err
		}
		if limit != nil && limit.IsActive {
			exhausted = append(exhausted, quotaType)
		}
	}
	return exhausted, nil
}
