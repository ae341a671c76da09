package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"eventchat/internal/domain"
	"eventchat/internal/repository"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

// memStore keeps outbox rows in memory with the same pending/processed
// semantics as the Postgres repository.
type memStore struct {
	mu   sync.Mutex
	rows []*domain.OutboxMessage
}

func (s *memStore) add(eventType string, occurredAt time.Time) *domain.OutboxMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	msg := &domain.OutboxMessage{
		ID:         uuid.New(),
		EventType:  eventType,
		Payload:    []byte(`{}`),
		OccurredAt: occurredAt,
	}
	s.rows = append(s.rows, msg)
	return msg
}

func (s *memStore) FetchPending(_ context.Context, limit int) ([]*domain.OutboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var pending []*domain.OutboxMessage
	for _, row := range s.rows {
		if row.Pending() {
			pending = append(pending, row)
		}
		if len(pending) == limit {
			break
		}
	}
	return pending, nil
}

func (s *memStore) MarkBatch(_ context.Context, results []repository.OutboxResult) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, res := range results {
		for _, row := range s.rows {
			if row.ID == res.ID {
				row.ProcessedAt = res.ProcessedAt
				row.Error = res.Error
			}
		}
	}
	return nil
}

// typeHandler handles one event type with a configurable failure.
type typeHandler struct {
	eventType string
	fail      error
	mu        sync.Mutex
	handled   []string
}

func (h *typeHandler) Matches(eventType string) bool {
	return eventType == h.eventType
}

func (h *typeHandler) Handle(_ context.Context, msg *domain.OutboxMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.fail != nil {
		return h.fail
	}
	h.handled = append(h.handled, msg.EventType)
	return nil
}

func (h *typeHandler) setFail(err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.fail = err
}

func newTestDispatcher(store *memStore, handlers ...Handler) *Dispatcher {
	d := NewDispatcher(store, 10, zap.NewNop().Sugar())
	for _, h := range handlers {
		d.Register(h)
	}
	return d
}

func TestDispatchMarksDelivered(t *testing.T) {
	store := &memStore{}
	handler := &typeHandler{eventType: domain.EventTypeMemberJoined}
	d := newTestDispatcher(store, handler)

	row := store.add(domain.EventTypeMemberJoined, time.Now())
	require.NoError(t, d.RunOnce(context.Background()))

	require.NotNil(t, row.ProcessedAt)
	require.Nil(t, row.Error)
	require.Len(t, handler.handled, 1)
}

func TestUnhandledTypeIsPermanentlySkipped(t *testing.T) {
	store := &memStore{}
	d := newTestDispatcher(store, &typeHandler{eventType: domain.EventTypeMemberJoined})

	row := store.add("SOMETHING_ELSE", time.Now())
	require.NoError(t, d.RunOnce(context.Background()))

	// Delivered with an explanatory error, never retried.
	require.NotNil(t, row.ProcessedAt)
	require.NotNil(t, row.Error)
	require.Contains(t, *row.Error, "no handler registered")

	pending, err := store.FetchPending(context.Background(), 10)
	require.NoError(t, err)
	require.Empty(t, pending)
}

func TestFailingHandlerIsRetriedUntilSuccess(t *testing.T) {
	store := &memStore{}
	handler := &typeHandler{eventType: domain.EventTypeMessageCreated}
	handler.setFail(errors.New("broker unavailable"))
	d := newTestDispatcher(store, handler)
	ctx := context.Background()

	row := store.add(domain.EventTypeMessageCreated, time.Now())

	// Two failing cycles: the row stays pending with the error recorded.
	require.NoError(t, d.RunOnce(ctx))
	require.True(t, row.Pending())
	require.NotNil(t, row.Error)
	require.Equal(t, "broker unavailable", *row.Error)

	require.NoError(t, d.RunOnce(ctx))
	require.True(t, row.Pending())

	handler.setFail(nil)
	require.NoError(t, d.RunOnce(ctx))
	require.False(t, row.Pending())
	require.Nil(t, row.Error)
}

func TestBatchProcessesOldestFirst(t *testing.T) {
	store := &memStore{}
	joined := &typeHandler{eventType: domain.EventTypeMemberJoined}
	left := &typeHandler{eventType: domain.EventTypeMemberLeft}
	d := newTestDispatcher(store, joined, left)

	now := time.Now()
	store.add(domain.EventTypeMemberLeft, now.Add(-time.Minute))
	store.add(domain.EventTypeMemberJoined, now.Add(-2*time.Minute))

	require.NoError(t, d.RunOnce(context.Background()))
	// memStore preserves insertion order; the Postgres store orders by
	// occurred_at. Either way both rows of the batch are delivered.
	require.Len(t, joined.handled, 1)
	require.Len(t, left.handled, 1)
}

func TestStartStopsOnCancel(t *testing.T) {
	store := &memStore{}
	d := newTestDispatcher(store, &typeHandler{eventType: domain.EventTypeMemberJoined})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Start(ctx, time.Millisecond)
		close(done)
	}()

	store.add(domain.EventTypeMemberJoined, time.Now())
	require.Eventually(t, func() bool {
		pending, err := store.FetchPending(context.Background(), 10)
		return err == nil && len(pending) == 0
	}, time.Second, 5*time.Millisecond)

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("dispatcher did not stop after cancellation")
	}
}
