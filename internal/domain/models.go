package domain

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

type ChatType string

const (
	ChatTypeEventGroup ChatType = "event_group"
	ChatTypeDirect     ChatType = "direct"
)

type MemberRole string

const (
	RoleOwner  MemberRole = "owner"
	RoleAdmin  MemberRole = "admin"
	RoleMember MemberRole = "member"
	RoleGuest  MemberRole = "guest"
)

type MessageKind string

const (
	KindText     MessageKind = "text"
	KindImage    MessageKind = "image"
	KindFile     MessageKind = "file"
	KindLocation MessageKind = "location"
	KindSystem   MessageKind = "system"
	KindReply    MessageKind = "reply"
	KindVoice    MessageKind = "voice"
	KindRoute    MessageKind = "route"
)

type Chat struct {
	ID        uuid.UUID  `json:"id"`
	Type      ChatType   `json:"type"`
	Title     string     `json:"title,omitempty"`
	OwnerID   *uuid.UUID `json:"owner_id,omitempty"`
	EventID   *uuid.UUID `json:"event_id,omitempty"`
	Archived  bool       `json:"archived"`
	LastSeq   int64      `json:"last_seq"`
	CreatedAt time.Time  `json:"created_at"`
}

// ChatMember is the persisted membership record. Rows are soft-removed
// (LeftAt set) so read watermarks survive a leave.
type ChatMember struct {
	ChatID      uuid.UUID  `json:"chat_id"`
	UserID      uuid.UUID  `json:"user_id"`
	Role        MemberRole `json:"role"`
	JoinedAt    time.Time  `json:"joined_at"`
	MutedUntil  *time.Time `json:"muted_until,omitempty"`
	LastReadSeq int64      `json:"last_read_seq"`
	LeftAt      *time.Time `json:"left_at,omitempty"`
}

func (m *ChatMember) Active() bool {
	return m != nil && m.LeftAt == nil
}

func (m *ChatMember) Muted(now time.Time) bool {
	return m != nil && m.MutedUntil != nil && now.Before(*m.MutedUntil)
}

// Message carries Seq, the per-chat strictly increasing ordinal assigned
// atomically at insert. Seq is never reassigned.
type Message struct {
	ID        int64           `json:"id"`
	ChatID    uuid.UUID       `json:"chat_id"`
	SenderID  uuid.UUID       `json:"sender_id"`
	Kind      MessageKind     `json:"kind"`
	Body      string          `json:"body,omitempty"`
	Meta      json.RawMessage `json:"meta,omitempty"`
	Seq       int64           `json:"seq"`
	CreatedAt time.Time       `json:"created_at"`
}

type MessageStatus string

const (
	StatusSent MessageStatus = "sent"
	StatusRead MessageStatus = "read"
)

// MessageStatusFor derives a message's status from the viewer's read
// watermark. Status is not persisted anywhere.
func MessageStatusFor(msg *Message, viewerReadSeq int64) MessageStatus {
	if msg.Seq <= viewerReadSeq {
		return StatusRead
	}
	return StatusSent
}

type Reaction struct {
	MessageID int64     `json:"message_id"`
	UserID    uuid.UUID `json:"user_id"`
	Emoji     string    `json:"emoji"`
	CreatedAt time.Time `json:"created_at"`
}

// ChatSummary is one row of a user's chat list: the chat, the user's own
// membership, and the most recent message if any. Unread is derived by the
// service from LastSeq and the membership watermark.
type ChatSummary struct {
	Chat        Chat       `json:"chat"`
	Membership  ChatMember `json:"membership"`
	LastMessage *Message   `json:"last_message,omitempty"`
	Unread      int64      `json:"unread"`
}
