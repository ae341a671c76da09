package ws

import (
	"context"
	"encoding/json"
	"sync"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.uber.org/zap"
)

// AuthorizeFunc gates room attachment. It must run a fresh membership check
// against the store; room membership is never derived from prior connection
// state.
type AuthorizeFunc func(ctx context.Context, chatID, userID uuid.UUID) error

// Broker relays room events between nodes. Nil broker means single-node
// operation; local fan-out still works.
type Broker interface {
	Publish(ctx context.Context, routingKey string, body any) error
	ConsumeRoomRelay() (<-chan amqp.Delivery, error)
}

// Event is the frame pushed to connected clients.
type Event struct {
	Type    string `json:"type"`
	Payload any    `json:"payload"`
}

// relayEnvelope wraps an event for cross-node delivery. Node identifies the
// origin so the originating hub skips its own relayed copy.
type relayEnvelope struct {
	Node    string          `json:"node"`
	ChatID  uuid.UUID       `json:"chat_id"`
	Except  *uuid.UUID      `json:"except,omitempty"`
	Event   json.RawMessage `json:"event"`
}

// Hub holds one ephemeral room per chat. Room membership lives only for a
// connection's lifetime; delivery is best-effort with no replay — anything
// needing guaranteed delivery goes through the outbox instead.
type Hub struct {
	rooms   map[uuid.UUID]map[*Client]struct{}
	joined  map[*Client]map[uuid.UUID]struct{}

	Register   chan *Client
	Unregister chan *Client

	authorize AuthorizeFunc
	broker    Broker
	nodeID    string
	log       *zap.SugaredLogger

	mu sync.RWMutex
}

func NewHub(broker Broker, nodeID string, authorize AuthorizeFunc, log *zap.SugaredLogger) *Hub {
	return &Hub{
		rooms:      make(map[uuid.UUID]map[*Client]struct{}),
		joined:     make(map[*Client]map[uuid.UUID]struct{}),
		Register:   make(chan *Client),
		Unregister: make(chan *Client),
		authorize:  authorize,
		broker:     broker,
		nodeID:     nodeID,
		log:        log,
	}
}

func (h *Hub) Run() {
	for {
		select {
		case client := <-h.Register:
			h.mu.Lock()
			h.joined[client] = make(map[uuid.UUID]struct{})
			h.mu.Unlock()
			h.log.Infow("client registered", "user", client.UserID)

		case client := <-h.Unregister:
			h.mu.Lock()
			if rooms, ok := h.joined[client]; ok {
				for chatID := range rooms {
					h.removeFromRoom(client, chatID)
				}
				delete(h.joined, client)
				close(client.Send)
			}
			h.mu.Unlock()
			h.log.Infow("client unregistered", "user", client.UserID)
		}
	}
}

// JoinChat attaches a connection to a chat's room after a fresh membership
// check.
func (h *Hub) JoinChat(ctx context.Context, client *Client, chatID uuid.UUID) error {
	if err := h.authorize(ctx, chatID, client.UserID); err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.joined[client]; !ok {
		// Connection already torn down.
		return nil
	}
	if h.rooms[chatID] == nil {
		h.rooms[chatID] = make(map[*Client]struct{})
	}
	h.rooms[chatID][client] = struct{}{}
	h.joined[client][chatID] = struct{}{}
	return nil
}

func (h *Hub) LeaveChat(client *Client, chatID uuid.UUID) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeFromRoom(client, chatID)
	if rooms, ok := h.joined[client]; ok {
		delete(rooms, chatID)
	}
}

// InRoom reports whether the connection currently sits in the chat's room.
func (h *Hub) InRoom(client *Client, chatID uuid.UUID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.rooms[chatID][client]
	return ok
}

// Broadcast pushes an event to every connection in the chat's room, here
// and on other nodes. Failures are silent; push never fails a command.
func (h *Hub) Broadcast(ctx context.Context, chatID uuid.UUID, eventType string, payload any) {
	h.send(ctx, chatID, nil, eventType, payload)
}

// BroadcastExcept is Broadcast minus the sender's own connections, used for
// typing notifications.
func (h *Hub) BroadcastExcept(ctx context.Context, chatID, exceptUser uuid.UUID, eventType string, payload any) {
	h.send(ctx, chatID, &exceptUser, eventType, payload)
}

func (h *Hub) send(ctx context.Context, chatID uuid.UUID, except *uuid.UUID, eventType string, payload any) {
	data, err := json.Marshal(Event{Type: eventType, Payload: payload})
	if err != nil {
		h.log.Errorw("failed to marshal event", "type", eventType, "error", err)
		return
	}

	h.deliverLocal(chatID, except, data)

	if h.broker == nil {
		return
	}
	env := relayEnvelope{
		Node:   h.nodeID,
		ChatID: chatID,
		Except: except,
		Event:  data,
	}
	if err := h.broker.Publish(ctx, "room."+chatID.String(), env); err != nil {
		h.log.Errorw("failed to relay event", "chat", chatID, "error", err)
	}
}

func (h *Hub) deliverLocal(chatID uuid.UUID, except *uuid.UUID, data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()

	for client := range h.rooms[chatID] {
		if except != nil && client.UserID == *except {
			continue
		}
		select {
		case client.Send <- data:
		default:
			// Slow consumer: drop the connection rather than block the room.
			h.dropLocked(client)
		}
	}
}

// RunRelay consumes room events published by other nodes and delivers them
// to local rooms.
func (h *Hub) RunRelay(ctx context.Context) {
	if h.broker == nil {
		return
	}
	msgs, err := h.broker.ConsumeRoomRelay()
	if err != nil {
		h.log.Errorw("failed to start room relay consumer", "error", err)
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case d, ok := <-msgs:
			if !ok {
				return
			}
			var env relayEnvelope
			if err := json.Unmarshal(d.Body, &env); err != nil {
				h.log.Errorw("failed to unmarshal relay envelope", "error", err)
				continue
			}
			if env.Node == h.nodeID {
				continue
			}
			h.deliverLocal(env.ChatID, env.Except, env.Event)
		}
	}
}

// removeFromRoom and dropLocked require h.mu held.
func (h *Hub) removeFromRoom(client *Client, chatID uuid.UUID) {
	if room, ok := h.rooms[chatID]; ok {
		delete(room, client)
		if len(room) == 0 {
			delete(h.rooms, chatID)
		}
	}
}

func (h *Hub) dropLocked(client *Client) {
	if rooms, ok := h.joined[client]; ok {
		for chatID := range rooms {
			h.removeFromRoom(client, chatID)
		}
		delete(h.joined, client)
		close(client.Send)
	}
}
