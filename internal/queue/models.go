package queue

import (
	"strings"
	"time"
)

// State represents the lifecycle of a workflow item.
type State string

const (
	StateCreated            State = "created"
	StateQueued             State = "queued"
	StateProcessing         State = "processing"
	StateCompleted          State = "completed"
	StateFailed             State = "failed"
	StateQuotaExceeded      State = "quota_exceeded"
	StatePartiallyProcessed State = "partially_processed"
)

var allStates = []State{
	StateCreated,
	StateQueued,
	StateProcessing,
	StateCompleted,
	StateFailed,
	StateQuotaExceeded,
	StatePartiallyProcessed,
}

var stateSet = func() map[State]struct{} {
	set := make(map[State]struct{}, len(allStates))
	for _, state := range allStates {
		set[state] = struct{}{}
	}
	return set
}()

// validTransitions is the workflow state graph. processing -> queued is the
// recovery edge used when an expired lease returns a stuck item to the queue.
var validTransitions = map[State][]State{
	StateCreated:            {StateQueued},
	StateQueued:             {StateProcessing},
	StateProcessing:         {StateCompleted, StateFailed, StateQuotaExceeded, StatePartiallyProcessed, StateQueued},
	StateQuotaExceeded:      {StateQueued},
	StatePartiallyProcessed: {StateQueued},
	StateFailed:             {StateQueued},
}

// AllStates returns the ordered list of known states.
func AllStates() []State {
	cp := make([]State, len(allStates))
	copy(cp, allStates)
	return cp
}

// ParseState converts a string into a known State.
func ParseState(value string) (State, bool) {
	normalized := State(strings.ToLower(strings.TrimSpace(value)))
	if normalized == "" {
		return "", false
	}
	_, ok := stateSet[normalized]
	return normalized, ok
}

// CanTransition reports whether the state graph permits from -> to.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state ends the workflow. Failed items are
// terminal once dead-lettered; they can still be explicitly re-enqueued.
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Item represents a workflow item persisted in SQLite.
type Item struct {
	ID                  int64
	State               State
	Version             int64
	Stage               string
	Priority            int
	Payload             string
	StageDetails        string
	PartialResults      string
	RetryCount          int
	MaxRetries          int
	NextRetryAt         *time.Time
	QuotaExceededCount  int
	LastQuotaCheck      *time.Time
	LeaseHolder         string
	LeaseAcquiredAt     *time.Time
	LastError           string
	QueuedAt            *time.Time
	ProcessingStartedAt *time.Time
	CompletedAt         *time.Time
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// Leased reports whether the item currently carries a lease younger than timeout.
func (i *Item) Leased(now time.Time, timeout time.Duration) bool {
	if i.LeaseHolder == "" || i.LeaseAcquiredAt == nil {
		return false
	}
	return now.Sub(*i.LeaseAcquiredAt) <= timeout
}

// RetryEligible reports whether the item may be claimed at the given instant.
func (i *Item) RetryEligible(now time.Time) bool {
	if i.State != StateQueued {
		return false
	}
	return i.NextRetryAt == nil || !i.NextRetryAt.After(now)
}

// TransitionRecord is an immutable audit row for one state change.
type TransitionRecord struct {
	ID         int64
	WorkflowID int64
	FromState  State
	ToState    State
	Stage      string
	Reason     string
	Metadata   string
	Actor      string
	CreatedAt  time.Time
}

// DomainEvent is an immutable fact emitted alongside significant actions.
type DomainEvent struct {
	EventID    string
	WorkflowID int64
	EventType  string
	EventData  string
	Processed  bool
	CreatedAt  time.Time
}

// Domain event types emitted by the store.
const (
	EventItemCreated  = "item_created"
	EventStateChanged = "state_changed"
)

// HealthSummary describes aggregated item counts per key lifecycle states.
type HealthSummary struct {
	Total         int
	Queued        int
	Processing    int
	Completed     int
	Failed        int
	QuotaExceeded int
}
