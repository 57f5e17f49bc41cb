// Package quota gates quota-bound work against per-service usage snapshots.
//
// The tracker is deliberately trusting: callers report remaining capacity
// as the external service stated it, and the latest snapshot inside a
// recency window wins. Reset estimates align to clock boundaries implied by
// the quota type name (next minute, next UTC midnight) rather than tracking
// a true sliding window. Limits are operator-managed configuration rows;
// an exhausted counter only blocks work while its limit row is active.
package quota
