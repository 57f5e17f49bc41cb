package quota

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

// Reference limits for the default external service, matching the free-tier
// dimensions the engine was built against.
var defaultLimits = []Limit{
	{QuotaType: "tokens_per_minute", LimitValue: 4_000_000, WindowSeconds: 60, IsActive: true},
	{QuotaType: "tokens_per_day", LimitValue: 1_000_000_000, WindowSeconds: 86_400, IsActive: true},
	{QuotaType: "requests_per_minute", LimitValue: 15, WindowSeconds: 60, IsActive: true},
	{QuotaType: "requests_per_day", LimitValue: 1_500, WindowSeconds: 86_400, IsActive: true},
}

// SeedDefaults inserts the reference quota limits for a service when they
// are not already configured. Existing rows are left untouched so operator
// edits survive restarts.
func (t *Tracker) SeedDefaults(ctx context.Context, serviceName string) error {
	serviceName = strings.TrimSpace(serviceName)
	if serviceName == "" {
		return errors.New("service name must not be empty")
	}
	for _, limit := range defaultLimits {
		if _, err := t.db.ExecContext(
			ctx,
			`INSERT INTO quota_limits (service_name, quota_type, limit_value, window_seconds, is_active)
             VALUES (?, ?, ?, ?, ?)
             ON CONFLICT(service_name, quota_type) DO NOTHING`,
			serviceName,
			limit.QuotaType,
			limit.LimitValue,
			limit.WindowSeconds,
			boolToInt(limit.IsActive),
		); err != nil {
			return fmt.Errorf("seed limit %s/%s: %w", serviceName, limit.QuotaType, err)
		}
	}
	return nil
}

// UpsertLimit creates or replaces one quota limit row.
func (t *Tracker) UpsertLimit(ctx context.Context, limit Limit) error {
	if strings.TrimSpace(limit.ServiceName) == "" || strings.TrimSpace(limit.QuotaType) == "" {
		return errors.New("service name and quota type must not be empty")
	}
	if _, err := t.db.ExecContext(
		ctx,
		`INSERT INTO quota_limits (service_name, quota_type, limit_value, window_seconds, is_active)
         VALUES (?, ?, ?, ?, ?)
         ON CONFLICT(service_name, quota_type) DO UPDATE SET
             limit_value = excluded.limit_value,
             window_seconds = excluded.window_seconds,
             is_active = excluded.is_active`,
		limit.ServiceName,
		limit.QuotaType,
		limit.LimitValue,
		limit.WindowSeconds,
		boolToInt(limit.IsActive),
	); err != nil {
		return fmt.Errorf("upsert limit %s/%s: %w", limit.ServiceName, limit.QuotaType, err)
	}
	return nil
}

// SetLimitActive toggles enforcement of one quota limit.
func (t *Tracker) SetLimitActive(ctx context.Context, serviceName, quotaType string, active bool) (bool, error) {
	res, err := t.db.ExecContext(
		ctx,
		`UPDATE quota_limits SET is_active = ? WHERE service_name = ? AND quota_type = ?`,
		boolToInt(active),
		serviceName,
		quotaType,
	)
	if err != nil {
		return false, fmt.Errorf("set limit active: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// Limits returns the configured limits for a service ordered by quota type.
func (t *Tracker) Limits(ctx context.Context, serviceName string) ([]Limit, error) {
	rows, err := t.db.QueryContext(
		ctx,
		`SELECT id, service_name, quota_type, limit_value, window_seconds, is_active
         FROM quota_limits WHERE service_name = ? ORDER BY quota_type`,
		serviceName,
	)
	if err != nil {
		return nil, fmt.Errorf("query limits: %w", err)
	}
	defer rows.Close()

	var limits []Limit
	for rows.Next() {
		limit, err := scanLimit(rows)
		if err != nil {
			return nil, err
		}
		limits = append(limits, limit)
	}
	return limits, rows.Err()
}

func (t *Tracker) limit(ctx context.Context, serviceName, quotaType string) (*Limit, error) {
	row := t.db.QueryRowContext(
		ctx,
		`SELECT id, service_name, quota_type, limit_value, window_seconds, is_active
         FROM quota_limits WHERE service_name = ? AND quota_type = ?`,
		serviceName,
		quotaType,
	)
	limit, err := scanLimit(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &limit, nil
}

func scanLimit(scanner interface{ Scan(dest ...any) error }) (Limit, error) {
	var (
		limit  Limit
		active int
	)
	if err := scanner.Scan(&limit.ID, &limit.ServiceName, &limit.QuotaType, &limit.LimitValue, &limit.WindowSeconds, &active); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Limit{}, err
		}
		return Limit{}, fmt.Errorf("scan limit: %w", err)
	}
	limit.IsActive = active != 0
	return limit, nil
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
