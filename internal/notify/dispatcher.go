package notify

import (
	"context"
	"time"

	"clinicq/internal/metrics"
	"clinicq/internal/store"

	"go.uber.org/zap"
)

// Store is the slice of the persistence surface the dispatcher needs.
type Store interface {
	ListOutboxEvents(ctx context.Context, after time.Time, limit int) ([]store.OutboxEvent, error)
	GetDispatchOffset(ctx context.Context) (time.Time, error)
	SetDispatchOffset(ctx context.Context, offset time.Time) error
}

// Dispatcher drains the outbox in created-at order. Events are written
// to the outbox in the same transaction as the state change they
// describe, so publishing here is at-least-once: consumers dedupe on
// event_id.
type Dispatcher struct {
	store     Store
	publisher Publisher
	logger    *zap.Logger
	collector *metrics.Collector
	batchSize int
}

func NewDispatcher(st Store, publisher Publisher, logger *zap.Logger, collector *metrics.Collector, batchSize int) *Dispatcher {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Dispatcher{
		store:     st,
		publisher: publisher,
		logger:    logger,
		collector: collector,
		batchSize: batchSize,
	}
}

// Run publishes one batch. The offset only advances past events that
// were delivered, so a publish failure stops the batch and the next
// run retries from the failed event.
func (d *Dispatcher) Run(ctx context.Context) error {
	offset, err := d.store.GetDispatchOffset(ctx)
	if err != nil {
		return err
	}

	events, err := d.store.ListOutboxEvents(ctx, offset, d.batchSize)
	if err != nil {
		return err
	}

	published := 0
	for _, event := range events {
		if err := d.publisher.Publish(ctx, event); err != nil {
			d.collector.OutboxPublishFailures.Inc()
			d.logger.Error("outbox publish failed",
				zap.String("event_id", event.EventID),
				zap.String("event_type", event.Type),
				zap.Error(err))
			break
		}
		offset = event.CreatedAt
		published++
		d.collector.OutboxPublishedTotal.Inc()
	}

	if published > 0 {
		if err := d.store.SetDispatchOffset(ctx, offset); err != nil {
			return err
		}
	}
	return nil
}

// Start polls the outbox until ctx is canceled.
func Start(ctx context.Context, interval time.Duration, d *Dispatcher) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := d.Run(ctx); err != nil {
				d.logger.Error("outbox dispatch run failed", zap.Error(err))
			}
		}
	}
}
