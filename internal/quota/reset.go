package quota

import (
	"context"
	"sort"
	"strings"
	"time"
)

// EstimateReset computes when each exhausted quota type for a service is
// expected to reset. The estimate aligns to the clock boundary implied by
// the quota type's name: next full minute for per-minute types, next UTC
// midnight for per-day types. This deliberately mirrors the reference
// heuristic rather than tracking a true sliding window; quota types naming
// neither unit fall back to the configured window length.
func (t *Tracker) EstimateReset(ctx context.Context, serviceName string) (map[string]time.Time, error) {
	exhausted, err := t.ExceededTypes(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	if len(exhausted) == 0 {
		return nil, nil
	}

	now := t.now()
	resets := make(map[string]time.Time, len(exhausted))
	for _, quotaType := range exhausted {
		resets[quotaType] = t.resetBoundary(ctx, serviceName, quotaType, now)
	}
	return resets, nil
}

// NextReset returns the earliest reset estimate across exhausted quota
// types, or nil when nothing is exhausted.
func (t *Tracker) NextReset(ctx context.Context, serviceName string) (*time.Time, error) {
	resets, err := t.EstimateReset(ctx, serviceName)
	if err != nil {
		return nil, err
	}
	if len(resets) == 0 {
		return nil, nil
	}
	times := make([]time.Time, 0, len(resets))
	for _, reset := range resets {
		times = append(times, reset)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	earliest := times[0]
	return &earliest, nil
}

func (t *Tracker) resetBoundary(ctx context.Context, serviceName, quotaType string, now time.Time) time.Time {
	name := strings.ToLower(quotaType)
	switch {
	case strings.Contains(name, "minute"):
		return now.Truncate(time.Minute).Add(time.Minute)
	case strings.Contains(name, "day"):
		year, month, day := now.UTC().Date()
		return time.Date(year, month, day, 0, 0, 0, 0, time.UTC).AddDate(0, 0, 1)
	}

	if limit, err := t.limit(ctx, serviceName, quotaType); err == nil && limit != nil && limit.WindowSeconds > 0 {
		return now.Add(time.Duration(limit.WindowSeconds) * time.Second)
	}
	return now.Add(time.Minute)
}
