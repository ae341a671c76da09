package ws

import (
	"context"
	"encoding/json"
	"time"

	"eventchat/internal/domain"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
	maxMsgSize = 4096
)

type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	UserID uuid.UUID
	Send   chan []byte
}

// inboundFrame is what clients send upstream: room attach/detach and typing
// signals. Everything else goes through the command API.
type inboundFrame struct {
	Type   string    `json:"type"`
	ChatID uuid.UUID `json:"chat_id"`
}

const (
	frameJoinChat  = "JOIN_CHAT"
	frameLeaveChat = "LEAVE_CHAT"
	frameTyping    = "TYPING"
)

func (c *Client) ReadPump(ctx context.Context) {
	defer func() {
		c.Hub.Unregister <- c
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(maxMsgSize)
	c.Conn.SetReadDeadline(time.Now().Add(pongWait))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.Conn.ReadMessage()
		if err != nil {
			return
		}

		var frame inboundFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			c.Hub.log.Debugw("ignoring malformed frame", "user", c.UserID, "error", err)
			continue
		}

		switch frame.Type {
		case frameJoinChat:
			if err := c.Hub.JoinChat(ctx, c, frame.ChatID); err != nil {
				c.Hub.log.Infow("room join rejected", "user", c.UserID, "chat", frame.ChatID, "error", err)
			}
		case frameLeaveChat:
			c.Hub.LeaveChat(c, frame.ChatID)
		case frameTyping:
			// Typing is relayed only for rooms the connection actually sits
			// in, and never echoed back to the sender.
			if c.Hub.InRoom(c, frame.ChatID) {
				c.Hub.BroadcastExcept(ctx, frame.ChatID, c.UserID, domain.EventTypeTyping, domain.TypingEventPayload{
					ChatID:    frame.ChatID,
					UserID:    c.UserID,
					Timestamp: time.Now(),
				})
			}
		}
	}
}

func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
