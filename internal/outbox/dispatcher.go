package outbox

import (
	"context"
	"fmt"
	"time"

	"eventchat/internal/domain"
	"eventchat/internal/repository"

	"go.uber.org/zap"
)

// Handler is one registered consumer of outbox events. Matches selects by
// event type; Handle performs the side effect and must tolerate redelivery,
// since a crash between a handler succeeding and the batch being marked
// means the event is delivered again.
type Handler interface {
	Matches(eventType string) bool
	Handle(ctx context.Context, msg *domain.OutboxMessage) error
}

// Store is the slice of the outbox repository the dispatcher needs.
type Store interface {
	FetchPending(ctx context.Context, limit int) ([]*domain.OutboxMessage, error)
	MarkBatch(ctx context.Context, results []repository.OutboxResult) error
}

// Dispatcher polls the outbox and routes each pending row to the first
// matching handler. A row with no matching handler is marked delivered with
// an explanatory error (no handler will appear without a deploy); a row
// whose handler fails keeps the error and stays pending, so it is retried
// on every cycle until the handler succeeds.
type Dispatcher struct {
	store     Store
	handlers  []Handler
	batchSize int
	log       *zap.SugaredLogger
}

func NewDispatcher(store Store, batchSize int, log *zap.SugaredLogger) *Dispatcher {
	return &Dispatcher{
		store:     store,
		batchSize: batchSize,
		log:       log,
	}
}

func (d *Dispatcher) Register(h Handler) {
	d.handlers = append(d.handlers, h)
}

// Start loops until ctx is cancelled. Transient failures are logged and the
// loop continues after the polling delay; the dispatcher never terminates
// on its own. A batch already selected finishes before shutdown is honored.
func (d *Dispatcher) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.log.Infow("outbox dispatcher started", "interval", interval, "batch_size", d.batchSize)
	for {
		select {
		case <-ctx.Done():
			d.log.Info("outbox dispatcher stopped")
			return
		case <-ticker.C:
			if err := d.RunOnce(ctx); err != nil {
				d.log.Errorw("outbox cycle failed", "error", err)
			}
		}
	}
}

// RunOnce processes a single batch: fetch pending rows oldest first, run
// handlers sequentially, then persist every row's outcome in one write.
func (d *Dispatcher) RunOnce(ctx context.Context) error {
	msgs, err := d.store.FetchPending(ctx, d.batchSize)
	if err != nil {
		return fmt.Errorf("failed to fetch pending outbox messages: %w", err)
	}
	if len(msgs) == 0 {
		return nil
	}

	results := make([]repository.OutboxResult, 0, len(msgs))
	for _, msg := range msgs {
		results = append(results, d.process(ctx, msg))
	}

	if err := d.store.MarkBatch(ctx, results); err != nil {
		return fmt.Errorf("failed to mark outbox batch: %w", err)
	}
	return nil
}

func (d *Dispatcher) process(ctx context.Context, msg *domain.OutboxMessage) repository.OutboxResult {
	handler := d.find(msg.EventType)
	now := time.Now()

	if handler == nil {
		// Permanent skip: mark delivered so the row is never retried.
		reason := fmt.Sprintf("no handler registered for event type %q", msg.EventType)
		d.log.Warnw("skipping outbox message", "id", msg.ID, "event_type", msg.EventType)
		return repository.OutboxResult{ID: msg.ID, ProcessedAt: &now, Error: &reason}
	}

	if err := handler.Handle(ctx, msg); err != nil {
		reason := err.Error()
		d.log.Errorw("outbox handler failed", "id", msg.ID, "event_type", msg.EventType, "error", err)
		return repository.OutboxResult{ID: msg.ID, Error: &reason}
	}

	return repository.OutboxResult{ID: msg.ID, ProcessedAt: &now}
}

func (d *Dispatcher) find(eventType string) Handler {
	for _, h := range d.handlers {
		if h.Matches(eventType) {
			return h
		}
	}
	return nil
}
