package daemon

import (
	"context"
	"errors"
	"time"

	"loom/internal/logging"
)

// runRelay drains the domain event outbox on a fixed cadence. Each event is
// emitted to the structured log and then flagged processed, so the feed
// delivers every event at least once across daemon restarts.
func (d *Daemon) runRelay(ctx context.Context) {
	defer d.wg.Done()
	interval := d.relayInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.relayOnce(ctx); err != nil && !errors.Is(err, context.Canceled) {
				d.logger.Warn("event relay pass failed", logging.Error(err))
			}
		}
	}
}

func (d *Daemon) relayOnce(ctx context.Context) error {
	batch := d.relayBatch
	if batch <= 0 {
		batch = 100
	}

	for {
		events, err := d.store.UnprocessedEvents(ctx, batch)
		if err != nil {
			return err
		}
		if len(events) == 0 {
			return nil
		}

		ids := make([]string, 0, len(events))
		for _, event := range events {
			d.logger.Info("domain event", logging.Args(
				logging.String(logging.FieldEventType, event.EventType),
				logging.Int64(logging.FieldItemID, event.WorkflowID),
				logging.String("event_id", event.EventID),
				logging.String("data", event.EventData),
			)...)
			ids = append(ids, event.EventID)
		}
		if _, err := d.store.MarkEventsProcessed(ctx, ids...); err != nil {
			return err
		}
		if len(events) < batch {
			return nil
		}
	}
}
