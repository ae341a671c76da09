package outbox

import (
	"context"
	"encoding/json"
	"fmt"

	"eventchat/internal/domain"

	"github.com/google/uuid"
)

// Gateway is the slice of the real-time hub the handlers push through.
type Gateway interface {
	Broadcast(ctx context.Context, chatID uuid.UUID, eventType string, payload any)
}

// PushPublisher delivers events to consumers beyond connected sockets
// (the broker's push exchange for offline notification pipelines).
type PushPublisher interface {
	PublishPush(ctx context.Context, routingKey string, body any) error
}

// MembershipHandler fans membership changes out to the chat's room as
// system notifications. Broadcast is idempotent from the clients' point of
// view, so redelivery after a crash is harmless.
type MembershipHandler struct {
	gateway Gateway
}

func NewMembershipHandler(gateway Gateway) *MembershipHandler {
	return &MembershipHandler{gateway: gateway}
}

func (h *MembershipHandler) Matches(eventType string) bool {
	return eventType == domain.EventTypeMemberJoined || eventType == domain.EventTypeMemberLeft
}

func (h *MembershipHandler) Handle(ctx context.Context, msg *domain.OutboxMessage) error {
	var payload domain.MemberEventPayload
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		return fmt.Errorf("failed to unmarshal member event payload: %w", err)
	}
	h.gateway.Broadcast(ctx, payload.ChatID, domain.EventTypeSystem, struct {
		Event  string                    `json:"event"`
		Member domain.MemberEventPayload `json:"member"`
	}{
		Event:  msg.EventType,
		Member: payload,
	})
	return nil
}

// PushHandler forwards committed messages to the push exchange so offline
// members can be notified even though they never held a socket. Publishing
// the same message twice only risks a duplicate notification.
type PushHandler struct {
	publisher PushPublisher
}

func NewPushHandler(publisher PushPublisher) *PushHandler {
	return &PushHandler{publisher: publisher}
}

func (h *PushHandler) Matches(eventType string) bool {
	return eventType == domain.EventTypeMessageCreated
}

func (h *PushHandler) Handle(ctx context.Context, msg *domain.OutboxMessage) error {
	var message domain.Message
	if err := json.Unmarshal(msg.Payload, &message); err != nil {
		return fmt.Errorf("failed to unmarshal message payload: %w", err)
	}

	routingKey := fmt.Sprintf("chat.%s", message.ChatID)
	body := struct {
		Type    string         `json:"type"`
		Payload domain.Message `json:"payload"`
	}{
		Type:    msg.EventType,
		Payload: message,
	}
	if err := h.publisher.PublishPush(ctx, routingKey, body); err != nil {
		return fmt.Errorf("failed to publish push notification: %w", err)
	}
	return nil
}
