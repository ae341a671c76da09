package outbox

import (
	"context"
	"errors"
	"testing"
	"time"

	"eventchat/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type recordingGateway struct {
	chatID    uuid.UUID
	eventType string
	calls     int
}

func (g *recordingGateway) Broadcast(_ context.Context, chatID uuid.UUID, eventType string, _ any) {
	g.chatID = chatID
	g.eventType = eventType
	g.calls++
}

type recordingPublisher struct {
	routingKey string
	err        error
}

func (p *recordingPublisher) PublishPush(_ context.Context, routingKey string, _ any) error {
	p.routingKey = routingKey
	return p.err
}

func TestMembershipHandlerBroadcastsSystemEvent(t *testing.T) {
	gateway := &recordingGateway{}
	h := NewMembershipHandler(gateway)

	require.True(t, h.Matches(domain.EventTypeMemberJoined))
	require.True(t, h.Matches(domain.EventTypeMemberLeft))
	require.False(t, h.Matches(domain.EventTypeMessageCreated))

	chatID := uuid.New()
	msg, err := domain.NewOutboxMessage(domain.EventTypeMemberJoined, domain.MemberEventPayload{
		ChatID:   chatID,
		UserID:   uuid.New(),
		JoinedAt: time.Now(),
	})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), msg))
	require.Equal(t, 1, gateway.calls)
	require.Equal(t, chatID, gateway.chatID)
	require.Equal(t, domain.EventTypeSystem, gateway.eventType)
}

func TestPushHandlerRoutesByChat(t *testing.T) {
	publisher := &recordingPublisher{}
	h := NewPushHandler(publisher)

	require.True(t, h.Matches(domain.EventTypeMessageCreated))
	require.False(t, h.Matches(domain.EventTypeMemberJoined))

	chatID := uuid.New()
	msg, err := domain.NewOutboxMessage(domain.EventTypeMessageCreated, &domain.Message{
		ID:     1,
		ChatID: chatID,
		Seq:    1,
	})
	require.NoError(t, err)

	require.NoError(t, h.Handle(context.Background(), msg))
	require.Equal(t, "chat."+chatID.String(), publisher.routingKey)

	publisher.err = errors.New("broker down")
	require.Error(t, h.Handle(context.Background(), msg))
}
