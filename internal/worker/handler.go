package worker

import (
	"context"

	"loom/internal/queue"
)

// Result reports a successful (or partially successful) handler run.
type Result struct {
	// Stage labels the processing stage the handler finished at.
	Stage string
	// Metadata is merged into the item's stage details on commit.
	Metadata queue.Metadata
	// PartialResults, when non-empty, marks the run partially processed and
	// stores the snapshot for a later resume.
	PartialResults string
	// Resume re-queues a partially processed item immediately so another
	// worker can continue from the snapshot. Without it the item rests in
	// partially_processed until explicitly re-queued.
	Resume bool
}

// Handler executes the domain work for one claimed item. Returning an error
// routes the item through the retry scheduler; the error's failure
// classification decides between backoff, quota deferral, and dead letter.
type Handler interface {
	Handle(ctx context.Context, item *queue.Item) (*Result, error)
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, item *queue.Item) (*Result, error)

func (f HandlerFunc) Handle(ctx context.Context, item *queue.Item) (*Result, error) {
	return f(ctx, item)
}

// QuotaBound marks handlers whose work consumes an external service quota.
// The pool gates claimed items against the tracker before invoking them.
type QuotaBound interface {
	ServiceName() string
}
