package queue

import "errors"

// ErrInvalidTransition indicates a requested state change is not an edge of
// the workflow state graph. This is distinct from a compare-and-swap
// mismatch, which is an expected race and reported as a false return.
var ErrInvalidTransition = errors.New("invalid state transition")

// ErrUnknownState indicates a state value outside the workflow enum.
var ErrUnknownState = errors.New("unknown workflow state")

// ErrNotFound indicates the referenced workflow item does not exist.
var ErrNotFound = errors.New("workflow item not found")

// FailureKind classifies a work failure for retry routing.
type FailureKind string

const (
	// FailureTransient is retryable up to the item's retry budget.
	FailureTransient FailureKind = "transient"
	// FailurePermanent dead-letters immediately without consuming retries.
	FailurePermanent FailureKind = "permanent"
	// FailureQuota defers the item until the quota window resets.
	FailureQuota FailureKind = "quota"
)

// FailureClassifier allows errors to declare their classification for retry
// routing. Errors that do not implement it are treated as transient.
type FailureClassifier interface {
	FailureKind() FailureKind
}

// ClassifyFailure maps an error to the failure kind the retry scheduler
// should act on.
func ClassifyFailure(err error) FailureKind {
	var classifier FailureClassifier
	if errors.As(err, &classifier) {
		switch kind := classifier.FailureKind(); kind {
		case FailurePermanent, FailureQuota, FailureTransient:
			return kind
		}
	}
	return FailureTransient
}
