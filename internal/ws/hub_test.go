package ws

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func allowAll(context.Context, uuid.UUID, uuid.UUID) error { return nil }

func newTestHub(t *testing.T, authorize AuthorizeFunc) *Hub {
	t.Helper()
	hub := NewHub(nil, "test-node", authorize, zap.NewNop().Sugar())
	go hub.Run()
	return hub
}

func register(t *testing.T, hub *Hub, buffer int) *Client {
	t.Helper()
	client := &Client{
		Hub:    hub,
		UserID: uuid.New(),
		Send:   make(chan []byte, buffer),
	}
	hub.Register <- client
	return client
}

// join retries until the hub's Run loop has picked up the registration.
func join(t *testing.T, hub *Hub, client *Client, chatID uuid.UUID) {
	t.Helper()
	require.Eventually(t, func() bool {
		require.NoError(t, hub.JoinChat(context.Background(), client, chatID))
		return hub.InRoom(client, chatID)
	}, time.Second, time.Millisecond)
}

func receive(t *testing.T, client *Client) Event {
	t.Helper()
	select {
	case data := <-client.Send:
		var ev Event
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	case <-time.After(time.Second):
		t.Fatal("no event received")
		return Event{}
	}
}

func TestBroadcastReachesRoomMembers(t *testing.T) {
	hub := newTestHub(t, allowAll)
	chatID := uuid.New()
	a := register(t, hub, 4)
	b := register(t, hub, 4)
	outsider := register(t, hub, 4)
	join(t, hub, a, chatID)
	join(t, hub, b, chatID)

	hub.Broadcast(context.Background(), chatID, "MESSAGE_CREATED", map[string]string{"body": "hi"})

	require.Equal(t, "MESSAGE_CREATED", receive(t, a).Type)
	require.Equal(t, "MESSAGE_CREATED", receive(t, b).Type)
	require.Empty(t, outsider.Send)
}

func TestBroadcastExceptSkipsSender(t *testing.T) {
	hub := newTestHub(t, allowAll)
	chatID := uuid.New()
	sender := register(t, hub, 4)
	other := register(t, hub, 4)
	join(t, hub, sender, chatID)
	join(t, hub, other, chatID)

	hub.BroadcastExcept(context.Background(), chatID, sender.UserID, "TYPING", nil)

	require.Equal(t, "TYPING", receive(t, other).Type)
	require.Empty(t, sender.Send)
}

func TestJoinRequiresAuthorization(t *testing.T) {
	denied := fmt.Errorf("not a member")
	hub := newTestHub(t, func(context.Context, uuid.UUID, uuid.UUID) error { return denied })
	chatID := uuid.New()
	client := register(t, hub, 4)

	err := hub.JoinChat(context.Background(), client, chatID)
	require.ErrorIs(t, err, denied)
	require.False(t, hub.InRoom(client, chatID))
}

func TestLeaveChatStopsDelivery(t *testing.T) {
	hub := newTestHub(t, allowAll)
	chatID := uuid.New()
	client := register(t, hub, 4)
	join(t, hub, client, chatID)

	hub.LeaveChat(client, chatID)
	require.False(t, hub.InRoom(client, chatID))

	hub.Broadcast(context.Background(), chatID, "MESSAGE_CREATED", nil)
	require.Empty(t, client.Send)
}

func TestSlowConsumerIsDropped(t *testing.T) {
	hub := newTestHub(t, allowAll)
	chatID := uuid.New()
	slow := register(t, hub, 1)
	healthy := register(t, hub, 4)
	join(t, hub, slow, chatID)
	join(t, hub, healthy, chatID)

	// First event fills the slow client's buffer; the second drops it.
	hub.Broadcast(context.Background(), chatID, "MESSAGE_CREATED", nil)
	hub.Broadcast(context.Background(), chatID, "MESSAGE_CREATED", nil)

	require.False(t, hub.InRoom(slow, chatID))
	require.True(t, hub.InRoom(healthy, chatID))
	require.Len(t, healthy.Send, 2)
}

func TestUnregisterCleansRooms(t *testing.T) {
	hub := newTestHub(t, allowAll)
	chatID := uuid.New()
	client := register(t, hub, 4)
	join(t, hub, client, chatID)

	hub.Unregister <- client
	require.Eventually(t, func() bool {
		return !hub.InRoom(client, chatID)
	}, time.Second, time.Millisecond)
}
