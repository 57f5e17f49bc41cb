package reports

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"time"

	"loom/internal/queue"
)

// Summary is a point-in-time snapshot of engine health for operators.
type Summary struct {
	GeneratedAt     time.Time
	States          map[queue.State]int
	UnresolvedDead  int
	QuotaDeferred   int
	EventBacklog    int
	OldestQueuedAge time.Duration
}

// ThroughputBucket aggregates terminal transitions for one UTC day.
type ThroughputBucket struct {
	Day       string
	Enqueued  int
	Completed int
	Failed    int
}

// DurationStats summarizes processing durations of completed items.
type DurationStats struct {
	Count int
	Avg   time.Duration
	P50   time.Duration
	P95   time.Duration
}

// Reporter computes read-only aggregates over the shared workflow database.
// It never mutates state; all writes stay behind the queue store.
type Reporter struct {
	db  *sql.DB
	now func() time.Time
}

// NewReporter constructs a Reporter over the shared database handle.
func NewReporter(db *sql.DB) *Reporter {
	return &Reporter{
		db:  db,
		now: func() time.Time { return time.Now().UTC() },
	}
}

// Summary returns current per-state counts plus backlog gauges.
func (r *Reporter) Summary(ctx context.Context) (*Summary, error) {
	summary := &Summary{
		GeneratedAt: r.now(),
		States:      make(map[queue.State]int),
	}

	rows, err := r.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM workflow_items GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("query state counts: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			raw   string
			count int
		)
		if err := rows.Scan(&raw, &count); err != nil {
			return nil, fmt.Errorf("scan state count: %w", err)
		}
		if state, ok := queue.ParseState(raw); ok {
			summary.States[state] = count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	summary.QuotaDeferred = summary.States[queue.StateQuotaExceeded]

	if err := r.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM dead_letter_entries WHERE resolved_at IS NULL`,
	).Scan(&summary.UnresolvedDead); err != nil {
		return nil, fmt.Errorf("count unresolved dead letters: %w", err)
	}
	if err := r.db.QueryRowContext(
		ctx,
		`SELECT COUNT(*) FROM domain_events WHERE processed = 0`,
	).Scan(&summary.EventBacklog); err != nil {
		return nil, fmt.Errorf("count event backlog: %w", err)
	}

	var oldestQueued sql.NullString
	if err := r.db.QueryRowContext(
		ctx,
		`SELECT MIN(queued_at) FROM workflow_items WHERE state = ?`,
		queue.StateQueued,
	).Scan(&oldestQueued); err != nil {
		return nil, fmt.Errorf("oldest queued item: %w", err)
	}
	if oldestQueued.Valid {
		if at, err := time.Parse(time.RFC3339Nano, oldestQueued.String); err == nil {
			summary.OldestQueuedAge = summary.GeneratedAt.Sub(at)
		}
	}

	return summary, nil
}

// Throughput groups transition activity by UTC day over the trailing window.
// Buckets come back oldest first; days without activity are omitted.
func (r *Reporter) Throughput(ctx context.Context, days int) ([]ThroughputBucket, error) {
	if days <= 0 {
		days = 7
	}
	cutoff := r.now().AddDate(0, 0, -days).Format(time.RFC3339Nano)

	rows, err := r.db.QueryContext(
		ctx,
		`SELECT substr(created_at, 1, 10) AS day, to_state, COUNT(*)
         FROM transition_records
         WHERE created_at >= ? AND to_state IN (?, ?, ?)
         GROUP BY day, to_state
         ORDER BY day`,
		cutoff,
		queue.StateQueued,
		queue.StateCompleted,
		queue.StateFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("query throughput: %w", err)
	}
	defer rows.Close()

	byDay := make(map[string]*ThroughputBucket)
	var order []string
	for rows.Next() {
		var (
			day   string
			state string
			count int
		)
		if err := rows.Scan(&day, &state, &count); err != nil {
			return nil, fmt.Errorf("scan throughput: %w", err)
		}
		bucket, ok := byDay[day]
		if !ok {
			bucket = &ThroughputBucket{Day: day}
			byDay[day] = bucket
			order = append(order, day)
		}
		switch queue.State(state) {
		case queue.StateQueued:
			bucket.Enqueued += count
		case queue.StateCompleted:
			bucket.Completed += count
		case queue.StateFailed:
			bucket.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	buckets := make([]ThroughputBucket, 0, len(order))
	for _, day := range order {
		buckets = append(buckets, *byDay[day])
	}
	return buckets, nil
}

// ProcessingDurations summarizes wall-clock processing time of completed
// items. Percentiles use the nearest-rank method over the full population.
func (r *Reporter) ProcessingDurations(ctx context.Context) (DurationStats, error) {
	rows, err := r.db.QueryContext(
		ctx,
		`SELECT processing_started_at, completed_at FROM workflow_items
         WHERE state = ? AND processing_started_at IS NOT NULL AND completed_at IS NOT NULL`,
		queue.StateCompleted,
	)
	if err != nil {
		return DurationStats{}, fmt.Errorf("query durations: %w", err)
	}
	defer rows.Close()

	var durations []time.Duration
	for rows.Next() {
		var startedRaw, completedRaw string
		if err := rows.Scan(&startedRaw, &completedRaw); err != nil {
			return DurationStats{}, fmt.Errorf("scan durations: %w", err)
		}
		started, err := time.Parse(time.RFC3339Nano, startedRaw)
		if err != nil {
			continue
		}
		completed, err := time.Parse(time.RFC3339Nano, completedRaw)
		if err != nil {
			continue
		}
		if d := completed.Sub(started); d >= 0 {
			durations = append(durations, d)
		}
	}
	if err := rows.Err(); err != nil {
		return DurationStats{}, err
	}
	if len(durations) == 0 {
		return DurationStats{}, nil
	}

	sort.Slice(durations, func(i, j int) bool { return durations[i] < durations[j] })
	var total time.Duration
	for _, d := range durations {
		total += d
	}
	return DurationStats{
		Count: len(durations),
		Avg:   total / time.Duration(len(durations)),
		P50:   percentile(durations, 50),
		P95:   percentile(durations, 95),
	}, nil
}

func percentile(sorted []time.Duration, pct int) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	rank := (pct*len(sorted) + 99) / 100
	if rank < 1 {
		rank = 1
	}
	if rank > len(sorted) {
		rank = len(sorted)
	}
	return sorted[rank-1]
}
