// Package retry routes work failures according to their classification.
// Transient failures go back to the queue with exponentially growing
// earliest-claim offsets until the item's retry budget runs out, permanent
// failures dead-letter immediately, and quota failures park the item until
// the external service window resets. Quota deferral never consumes retry
// budget.
package retry
