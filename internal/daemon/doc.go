// Package daemon coordinates the long-running loom process.
//
// It wires configuration, the queue store, the worker pool, and the domain
// event relay into a single lifecycle with flock-based locking to prevent
// multiple instances. Keep orchestration logic here: the claim-process loop
// lives in the worker package and the daemon focuses on startup, shutdown,
// and high level coordination.
package daemon
