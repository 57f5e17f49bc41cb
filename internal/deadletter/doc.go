// Package deadletter durably records workflow items that exhausted their
// retry budget or failed permanently. Entries carry a full snapshot of the
// item at failure time so triage never depends on the live queue row.
// Resolution is an administrative flag only; re-enqueueing a resolved item
// is a separate, explicit operator action.
package deadletter
