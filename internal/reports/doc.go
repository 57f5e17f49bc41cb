// Package reports computes read-only operational aggregates over the shared
// workflow database: per-state counts, backlog gauges, daily throughput, and
// processing duration statistics.
package reports
