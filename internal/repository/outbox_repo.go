package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"eventchat/internal/domain"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// OutboxResult is the dispatcher's verdict for one outbox row. A nil
// ProcessedAt with a non-nil Error leaves the row pending for retry.
type OutboxResult struct {
	ID          uuid.UUID
	ProcessedAt *time.Time
	Error       *string
}

type OutboxRepository interface {
	Save(ctx context.Context, tx *sql.Tx, msg *domain.OutboxMessage) error
	FetchPending(ctx context.Context, limit int) ([]*domain.OutboxMessage, error)
	MarkBatch(ctx context.Context, results []OutboxResult) error
}

type PostgresOutboxRepository struct {
	db *sql.DB
}

func NewPostgresOutboxRepository(db *sql.DB) *PostgresOutboxRepository {
	return &PostgresOutboxRepository{db: db}
}

// Save inserts the row inside the caller's transaction so the event is
// durable if and only if the domain mutation commits.
func (r *PostgresOutboxRepository) Save(ctx context.Context, tx *sql.Tx, msg *domain.OutboxMessage) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO outbox_messages (id, event_type, payload, occurred_at)
		VALUES ($1, $2, $3, $4)
	`, msg.ID, msg.EventType, []byte(msg.Payload), msg.OccurredAt)
	if err != nil {
		return fmt.Errorf("failed to save outbox message: %w", err)
	}
	return nil
}

// FetchPending returns undelivered rows oldest first, bounded by limit.
func (r *PostgresOutboxRepository) FetchPending(ctx context.Context, limit int) ([]*domain.OutboxMessage, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, event_type, payload, occurred_at, processed_at, error
		FROM outbox_messages
		WHERE processed_at IS NULL
		ORDER BY occurred_at ASC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch pending outbox messages: %w", err)
	}
	defer rows.Close()

	var msgs []*domain.OutboxMessage
	for rows.Next() {
		var m domain.OutboxMessage
		var payload []byte
		if err := rows.Scan(&m.ID, &m.EventType, &payload, &m.OccurredAt, &m.ProcessedAt, &m.Error); err != nil {
			return nil, err
		}
		m.Payload = payload
		msgs = append(msgs, &m)
	}
	return msgs, rows.Err()
}

// MarkBatch writes the whole batch's outcomes in one transaction, so a
// crash mid-batch leaves every row of the batch pending and redeliverable.
func (r *PostgresOutboxRepository) MarkBatch(ctx context.Context, results []OutboxResult) error {
	if len(results) == 0 {
		return nil
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for _, res := range results {
		_, err := tx.ExecContext(ctx, `
			UPDATE outbox_messages
			SET processed_at = $2, error = $3
			WHERE id = $1
		`, res.ID, res.ProcessedAt, res.Error)
		if err != nil {
			return fmt.Errorf("failed to mark outbox message %s: %w", res.ID, err)
		}
	}

	return tx.Commit()
}

// isUniqueViolation reports a Postgres unique-constraint error.
func isUniqueViolation(err error) bool {
	pqErr, ok := err.(*pq.Error)
	return ok && pqErr.Code == "23505"
}
