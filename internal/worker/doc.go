// Package worker runs the claim-process-commit loop. Workers claim queued
// items under a lease, gate quota-bound handlers against the tracker, invoke
// the handler, and commit the outcome through the transition engine. A
// maintenance loop re-queues items whose workers died and releases
// quota-parked items once the service window recovers.
package worker
