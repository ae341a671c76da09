package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// OutboxMessage is one durable row of the transactional outbox. It is
// created in the same transaction as the state change it describes and
// mutated only by the dispatcher: ProcessedAt set means delivered (or
// permanently skipped, in which case Error explains why); ProcessedAt
// unset with Error set means the last attempt failed and the row will
// be retried.
type OutboxMessage struct {
	ID          uuid.UUID       `json:"id"`
	EventType   string          `json:"event_type"`
	Payload     json.RawMessage `json:"payload"`
	OccurredAt  time.Time       `json:"occurred_at"`
	ProcessedAt *time.Time      `json:"processed_at,omitempty"`
	Error       *string         `json:"error,omitempty"`
}

func (m *OutboxMessage) Pending() bool {
	return m.ProcessedAt == nil
}

const (
	EventTypeMessageCreated = "MESSAGE_CREATED"
	EventTypeMessageRead    = "MESSAGE_READ"
	EventTypeMemberJoined   = "MEMBER_JOINED"
	EventTypeMemberLeft     = "MEMBER_LEFT"
	EventTypeTyping         = "TYPING"
	EventTypeSystem         = "SYSTEM"
)

type MemberEventPayload struct {
	ChatID   uuid.UUID `json:"chat_id"`
	UserID   uuid.UUID `json:"user_id"`
	JoinedAt time.Time `json:"joined_at,omitempty"`
	LeftAt   time.Time `json:"left_at,omitempty"`
}

type ReadEventPayload struct {
	ChatID uuid.UUID `json:"chat_id"`
	UserID uuid.UUID `json:"user_id"`
	MaxSeq int64     `json:"max_seq"`
}

type TypingEventPayload struct {
	ChatID    uuid.UUID `json:"chat_id"`
	UserID    uuid.UUID `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
}

// NewOutboxMessage marshals payload and stamps the occurrence time.
func NewOutboxMessage(eventType string, payload any) (*OutboxMessage, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &OutboxMessage{
		ID:         uuid.New(),
		EventType:  eventType,
		Payload:    raw,
		OccurredAt: time.Now(),
	}, nil
}
