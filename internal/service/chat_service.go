package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"eventchat/internal/domain"
	"eventchat/internal/repository"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
)

const defaultSearchLimit = 50

// Gateway is the best-effort push surface. Calls never fail a command.
type Gateway interface {
	Broadcast(ctx context.Context, chatID uuid.UUID, eventType string, payload any)
}

// ChatService is the command surface over the chat store. Every operation
// except creation re-validates that the acting user is an active member of
// the target chat before touching state.
type ChatService struct {
	store    repository.ChatStore
	gateway  Gateway
	validate *validator.Validate
	log      *zap.SugaredLogger
}

func NewChatService(store repository.ChatStore, gateway Gateway, log *zap.SugaredLogger) *ChatService {
	return &ChatService{
		store:    store,
		gateway:  gateway,
		validate: validator.New(),
		log:      log,
	}
}

// requireMember resolves the acting user's membership and rejects callers
// that are absent or have left the chat.
func (s *ChatService) requireMember(ctx context.Context, chatID, userID uuid.UUID) (*domain.ChatMember, error) {
	if userID == uuid.Nil {
		return nil, domain.ErrUnauthorized
	}
	member, err := s.store.GetMember(ctx, chatID, userID)
	if err != nil {
		return nil, err
	}
	if !member.Active() {
		return nil, fmt.Errorf("user %s is not an active member of chat %s: %w", userID, chatID, domain.ErrForbidden)
	}
	return member, nil
}

// CreateEventGroup creates the single group chat bound to an event. It is
// idempotent per event: a racing or repeated creation converges on the
// existing chat.
func (s *ChatService) CreateEventGroup(ctx context.Context, eventID, ownerID uuid.UUID, title string) (*domain.Chat, error) {
	if ownerID == uuid.Nil {
		return nil, domain.ErrUnauthorized
	}

	if existing, err := s.store.GetChatByEvent(ctx, eventID); err != nil {
		return nil, err
	} else if existing != nil {
		return existing, nil
	}

	now := time.Now()
	chat := &domain.Chat{
		ID:        uuid.New(),
		Type:      domain.ChatTypeEventGroup,
		Title:     title,
		OwnerID:   &ownerID,
		EventID:   &eventID,
		CreatedAt: now,
	}
	owner := &domain.ChatMember{
		ChatID:   chat.ID,
		UserID:   ownerID,
		Role:     domain.RoleOwner,
		JoinedAt: now,
	}
	outboxMsg, err := domain.NewOutboxMessage(domain.EventTypeMemberJoined, domain.MemberEventPayload{
		ChatID:   chat.ID,
		UserID:   ownerID,
		JoinedAt: now,
	})
	if err != nil {
		return nil, err
	}

	err = s.store.CreateEventChat(ctx, chat, owner, outboxMsg)
	if errors.Is(err, domain.ErrConflict) {
		// Lost the creation race; the winner's chat is the chat.
		return s.store.GetChatByEvent(ctx, eventID)
	}
	if err != nil {
		return nil, err
	}
	return chat, nil
}

// JoinEventGroup resolves the chat bound to an event and enrolls the acting
// user. A previously removed member is not silently re-admitted.
func (s *ChatService) JoinEventGroup(ctx context.Context, eventID, userID uuid.UUID) (uuid.UUID, error) {
	if userID == uuid.Nil {
		return uuid.Nil, domain.ErrUnauthorized
	}

	chat, err := s.store.GetChatByEvent(ctx, eventID)
	if err != nil {
		return uuid.Nil, err
	}
	if chat == nil {
		return uuid.Nil, fmt.Errorf("no chat for event %s: %w", eventID, domain.ErrNotFound)
	}
	if chat.Archived {
		return uuid.Nil, fmt.Errorf("chat %s is archived: %w", chat.ID, domain.ErrForbidden)
	}

	member, err := s.store.GetMember(ctx, chat.ID, userID)
	if err != nil {
		return uuid.Nil, err
	}
	if member != nil {
		if !member.Active() {
			return uuid.Nil, fmt.Errorf("user %s left chat %s: %w", userID, chat.ID, domain.ErrForbidden)
		}
		return chat.ID, nil
	}

	now := time.Now()
	outboxMsg, err := domain.NewOutboxMessage(domain.EventTypeMemberJoined, domain.MemberEventPayload{
		ChatID:   chat.ID,
		UserID:   userID,
		JoinedAt: now,
	})
	if err != nil {
		return uuid.Nil, err
	}
	err = s.store.AddMember(ctx, &domain.ChatMember{
		ChatID:   chat.ID,
		UserID:   userID,
		Role:     domain.RoleMember,
		JoinedAt: now,
	}, outboxMsg)
	if err != nil {
		return uuid.Nil, err
	}

	return chat.ID, nil
}

// AuthorizeJoin is the JoinChat command: a bare membership check used by
// the gateway before attaching a connection to a chat's room.
func (s *ChatService) AuthorizeJoin(ctx context.Context, chatID, userID uuid.UUID) error {
	_, err := s.requireMember(ctx, chatID, userID)
	return err
}

// OpenDirectDialog returns the direct chat for the user pair, creating it
// on first use. Concurrent openers converge on one chat through the store's
// uniqueness guarantee plus retry-on-conflict.
func (s *ChatService) OpenDirectDialog(ctx context.Context, userID, otherID uuid.UUID) (uuid.UUID, error) {
	if userID == uuid.Nil {
		return uuid.Nil, domain.ErrUnauthorized
	}
	if otherID == uuid.Nil || otherID == userID {
		return uuid.Nil, fmt.Errorf("dialog requires two distinct users: %w", domain.ErrValidation)
	}

	if existing, err := s.store.GetDirectChat(ctx, userID, otherID); err != nil {
		return uuid.Nil, err
	} else if existing != nil {
		return existing.ID, nil
	}

	now := time.Now()
	chat := &domain.Chat{
		ID:        uuid.New(),
		Type:      domain.ChatTypeDirect,
		CreatedAt: now,
	}
	members := []*domain.ChatMember{
		{ChatID: chat.ID, UserID: userID, Role: domain.RoleOwner, JoinedAt: now},
		{ChatID: chat.ID, UserID: otherID, Role: domain.RoleOwner, JoinedAt: now},
	}

	err := s.store.CreateDirectChat(ctx, chat, members)
	if errors.Is(err, domain.ErrConflict) {
		s.log.Debugw("direct chat creation raced; reusing winner", "user", userID, "other", otherID)
		existing, err := s.store.GetDirectChat(ctx, userID, otherID)
		if err != nil {
			return uuid.Nil, err
		}
		if existing == nil {
			return uuid.Nil, fmt.Errorf("direct chat vanished after conflict: %w", domain.ErrConflict)
		}
		return existing.ID, nil
	}
	if err != nil {
		return uuid.Nil, err
	}
	return chat.ID, nil
}

// SendMessageInput carries one send command. Meta is kind-specific
// structured payload; Text messages must carry a non-empty body.
type SendMessageInput struct {
	ChatID   uuid.UUID          `json:"chat_id" validate:"required"`
	SenderID uuid.UUID          `json:"sender_id"`
	Kind     domain.MessageKind `json:"kind" validate:"required,oneof=text image file location system reply voice route"`
	Body     string             `json:"body"`
	Meta     json.RawMessage    `json:"meta,omitempty"`
}

// SendMessage validates the payload, requires active non-muted membership,
// then atomically allocates the chat's next seq and appends the message.
// The outbox row for offline delivery commits in the same transaction; a
// rejected send allocates no seq and writes no outbox row.
func (s *ChatService) SendMessage(ctx context.Context, input SendMessageInput) (*domain.Message, error) {
	if input.SenderID == uuid.Nil {
		return nil, domain.ErrUnauthorized
	}
	if err := s.validate.Struct(input); err != nil {
		return nil, fmt.Errorf("%s: %w", err, domain.ErrValidation)
	}
	if input.Kind == domain.KindText && input.Body == "" {
		return nil, fmt.Errorf("text message requires a body: %w", domain.ErrValidation)
	}

	member, err := s.requireMember(ctx, input.ChatID, input.SenderID)
	if err != nil {
		return nil, err
	}
	if member.Muted(time.Now()) {
		return nil, fmt.Errorf("membership muted until %s: %w", member.MutedUntil, domain.ErrForbidden)
	}

	msg := &domain.Message{
		ChatID:    input.ChatID,
		SenderID:  input.SenderID,
		Kind:      input.Kind,
		Body:      input.Body,
		Meta:      input.Meta,
		CreatedAt: time.Now(),
	}
	if err := s.store.AppendMessage(ctx, msg); err != nil {
		return nil, err
	}

	s.gateway.Broadcast(ctx, msg.ChatID, domain.EventTypeMessageCreated, msg)
	return msg, nil
}

// MarkRead advances the caller's read watermark. Regressions and values
// beyond the chat's lastSeq are no-ops, never errors.
func (s *ChatService) MarkRead(ctx context.Context, chatID, userID uuid.UUID, maxSeq int64) error {
	if userID == uuid.Nil {
		return domain.ErrUnauthorized
	}
	if maxSeq <= 0 {
		return nil
	}
	if _, err := s.requireMember(ctx, chatID, userID); err != nil {
		return err
	}

	updated, err := s.store.MarkRead(ctx, chatID, userID, maxSeq)
	if err != nil {
		return err
	}
	if updated {
		s.gateway.Broadcast(ctx, chatID, domain.EventTypeMessageRead, domain.ReadEventPayload{
			ChatID: chatID,
			UserID: userID,
			MaxSeq: maxSeq,
		})
	}
	return nil
}

// SetReaction adds the (message, user, emoji) triple; repeating it is a
// no-op.
func (s *ChatService) SetReaction(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) error {
	msg, err := s.reactionTarget(ctx, messageID, userID, emoji)
	if err != nil {
		return err
	}
	return s.store.SetReaction(ctx, &domain.Reaction{
		MessageID: msg.ID,
		UserID:    userID,
		Emoji:     emoji,
		CreatedAt: time.Now(),
	})
}

// RemoveReaction deletes the triple; removing an absent reaction is a no-op.
func (s *ChatService) RemoveReaction(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) error {
	msg, err := s.reactionTarget(ctx, messageID, userID, emoji)
	if err != nil {
		return err
	}
	return s.store.RemoveReaction(ctx, msg.ID, userID, emoji)
}

func (s *ChatService) reactionTarget(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) (*domain.Message, error) {
	if userID == uuid.Nil {
		return nil, domain.ErrUnauthorized
	}
	if emoji == "" {
		return nil, fmt.Errorf("emoji is required: %w", domain.ErrValidation)
	}
	msg, err := s.store.GetMessage(ctx, messageID)
	if err != nil {
		return nil, err
	}
	if msg == nil {
		return nil, fmt.Errorf("message %d: %w", messageID, domain.ErrNotFound)
	}
	if _, err := s.requireMember(ctx, msg.ChatID, userID); err != nil {
		return nil, err
	}
	return msg, nil
}

// SearchMessages searches message bodies across the chats the user belongs
// to, optionally narrowed to one chat.
func (s *ChatService) SearchMessages(ctx context.Context, userID uuid.UUID, query string, chatID *uuid.UUID, limit int) ([]*domain.Message, error) {
	if userID == uuid.Nil {
		return nil, domain.ErrUnauthorized
	}
	if query == "" {
		return nil, nil
	}
	if limit <= 0 || limit > defaultSearchLimit {
		limit = defaultSearchLimit
	}
	return s.store.SearchMessages(ctx, userID, query, chatID, limit)
}

// ListSummaries returns the caller's chat list with derived unread counts.
func (s *ChatService) ListSummaries(ctx context.Context, userID uuid.UUID) ([]*domain.ChatSummary, error) {
	if userID == uuid.Nil {
		return nil, domain.ErrUnauthorized
	}
	summaries, err := s.store.ListSummaries(ctx, userID)
	if err != nil {
		return nil, err
	}
	return lo.Map(summaries, func(sum *domain.ChatSummary, _ int) *domain.ChatSummary {
		if unread := sum.Chat.LastSeq - sum.Membership.LastReadSeq; unread > 0 {
			sum.Unread = unread
		}
		return sum
	}), nil
}

// ListMessages pages through a chat's history by seq cursor.
func (s *ChatService) ListMessages(ctx context.Context, chatID, userID uuid.UUID, beforeSeq int64, limit int) ([]*domain.Message, error) {
	if _, err := s.requireMember(ctx, chatID, userID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 100
	}
	return s.store.ListMessages(ctx, chatID, beforeSeq, limit)
}

// LeaveChat soft-removes the caller's membership; the row stays behind so
// read receipts keep their meaning. Direct chats are permanent.
func (s *ChatService) LeaveChat(ctx context.Context, chatID, userID uuid.UUID) error {
	if _, err := s.requireMember(ctx, chatID, userID); err != nil {
		return err
	}
	chat, err := s.store.GetChat(ctx, chatID)
	if err != nil {
		return err
	}
	if chat == nil {
		return fmt.Errorf("chat %s: %w", chatID, domain.ErrNotFound)
	}
	if chat.Type == domain.ChatTypeDirect {
		return fmt.Errorf("cannot leave a direct chat: %w", domain.ErrForbidden)
	}

	now := time.Now()
	outboxMsg, err := domain.NewOutboxMessage(domain.EventTypeMemberLeft, domain.MemberEventPayload{
		ChatID: chatID,
		UserID: userID,
		LeftAt: now,
	})
	if err != nil {
		return err
	}
	return s.store.MarkLeft(ctx, chatID, userID, now, outboxMsg)
}
