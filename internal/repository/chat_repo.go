package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"eventchat/internal/domain"

	"github.com/google/uuid"
)

// ChatStore is the persistence contract for chats, memberships, messages
// and reactions. Reads on unknown keys return (nil, nil); authorization is
// entirely the caller's job.
type ChatStore interface {
	GetChat(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error)
	GetChatByEvent(ctx context.Context, eventID uuid.UUID) (*domain.Chat, error)
	GetDirectChat(ctx context.Context, a, b uuid.UUID) (*domain.Chat, error)
	CreateEventChat(ctx context.Context, chat *domain.Chat, owner *domain.ChatMember, outbox *domain.OutboxMessage) error
	CreateDirectChat(ctx context.Context, chat *domain.Chat, members []*domain.ChatMember) error
	ListSummaries(ctx context.Context, userID uuid.UUID) ([]*domain.ChatSummary, error)

	GetMember(ctx context.Context, chatID, userID uuid.UUID) (*domain.ChatMember, error)
	AddMember(ctx context.Context, member *domain.ChatMember, outbox *domain.OutboxMessage) error
	MarkLeft(ctx context.Context, chatID, userID uuid.UUID, leftAt time.Time, outbox *domain.OutboxMessage) error
	MarkRead(ctx context.Context, chatID, userID uuid.UUID, maxSeq int64) (bool, error)

	AppendMessage(ctx context.Context, msg *domain.Message) error
	GetMessage(ctx context.Context, messageID int64) (*domain.Message, error)
	ListMessages(ctx context.Context, chatID uuid.UUID, beforeSeq int64, limit int) ([]*domain.Message, error)
	SearchMessages(ctx context.Context, userID uuid.UUID, query string, chatID *uuid.UUID, limit int) ([]*domain.Message, error)

	SetReaction(ctx context.Context, reaction *domain.Reaction) error
	RemoveReaction(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) error
	ListReactions(ctx context.Context, messageID int64) ([]*domain.Reaction, error)
}

type ChatRepository struct {
	db         *sql.DB
	outboxRepo OutboxRepository
}

func NewChatRepository(db *sql.DB, outboxRepo OutboxRepository) *ChatRepository {
	return &ChatRepository{
		db:         db,
		outboxRepo: outboxRepo,
	}
}

const chatColumns = `id, type, title, owner_id, event_id, archived, last_seq, created_at`

func scanChat(row *sql.Row) (*domain.Chat, error) {
	var c domain.Chat
	var title sql.NullString
	err := row.Scan(&c.ID, &c.Type, &title, &c.OwnerID, &c.EventID, &c.Archived, &c.LastSeq, &c.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	c.Title = title.String
	return &c, nil
}

func (r *ChatRepository) GetChat(ctx context.Context, chatID uuid.UUID) (*domain.Chat, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE id = $1`, chatID)
	chat, err := scanChat(row)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chat: %w", err)
	}
	return chat, nil
}

func (r *ChatRepository) GetChatByEvent(ctx context.Context, eventID uuid.UUID) (*domain.Chat, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+chatColumns+` FROM chats WHERE event_id = $1`, eventID)
	chat, err := scanChat(row)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chat by event: %w", err)
	}
	return chat, nil
}

// GetDirectChat looks up the unique direct chat for an unordered user pair.
func (r *ChatRepository) GetDirectChat(ctx context.Context, a, b uuid.UUID) (*domain.Chat, error) {
	lo, hi := orderedPair(a, b)
	row := r.db.QueryRowContext(ctx, `
		SELECT `+chatColumns+` FROM chats
		WHERE type = $1 AND user_lo = $2 AND user_hi = $3
	`, domain.ChatTypeDirect, lo, hi)
	chat, err := scanChat(row)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch direct chat: %w", err)
	}
	return chat, nil
}

// CreateEventChat inserts the group chat bound to an event together with its
// owner membership and the member-joined outbox row. The unique index on
// event_id turns a racing duplicate into domain.ErrConflict.
func (r *ChatRepository) CreateEventChat(ctx context.Context, chat *domain.Chat, owner *domain.ChatMember, outbox *domain.OutboxMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, type, title, owner_id, event_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, chat.ID, chat.Type, chat.Title, chat.OwnerID, chat.EventID, chat.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("failed to insert event chat: %w", err)
	}

	if err := insertMember(ctx, tx, owner); err != nil {
		return err
	}

	if outbox != nil {
		if err := r.outboxRepo.Save(ctx, tx, outbox); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// CreateDirectChat inserts a direct chat plus both memberships. The unique
// (user_lo, user_hi) index makes racing creations fail with
// domain.ErrConflict; the caller resolves the race by re-reading.
func (r *ChatRepository) CreateDirectChat(ctx context.Context, chat *domain.Chat, members []*domain.ChatMember) error {
	lo, hi := orderedPair(members[0].UserID, members[1].UserID)

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO chats (id, type, user_lo, user_hi, created_at)
		VALUES ($1, $2, $3, $4, $5)
	`, chat.ID, chat.Type, lo, hi, chat.CreatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return domain.ErrConflict
		}
		return fmt.Errorf("failed to insert direct chat: %w", err)
	}

	for _, m := range members {
		if err := insertMember(ctx, tx, m); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func insertMember(ctx context.Context, tx *sql.Tx, m *domain.ChatMember) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO chat_members (chat_id, user_id, role, joined_at)
		VALUES ($1, $2, $3, $4)
	`, m.ChatID, m.UserID, m.Role, m.JoinedAt)
	if err != nil {
		return fmt.Errorf("failed to insert chat member: %w", err)
	}
	return nil
}

func (r *ChatRepository) ListSummaries(ctx context.Context, userID uuid.UUID) ([]*domain.ChatSummary, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT c.id, c.type, c.title, c.owner_id, c.event_id, c.archived, c.last_seq, c.created_at,
		       cm.role, cm.joined_at, cm.muted_until, cm.last_read_seq,
		       m.id, m.sender_id, m.kind, m.body, m.meta, m.seq, m.created_at
		FROM chat_members cm
		JOIN chats c ON c.id = cm.chat_id
		LEFT JOIN LATERAL (
			SELECT id, sender_id, kind, body, meta, seq, created_at
			FROM messages WHERE chat_id = c.id
			ORDER BY seq DESC LIMIT 1
		) m ON true
		WHERE cm.user_id = $1 AND cm.left_at IS NULL
		ORDER BY COALESCE(m.created_at, c.created_at) DESC
	`, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to list chat summaries: %w", err)
	}
	defer rows.Close()

	var summaries []*domain.ChatSummary
	for rows.Next() {
		var s domain.ChatSummary
		var title sql.NullString
		var msgID, msgSeq sql.NullInt64
		var msgSender uuid.NullUUID
		var msgKind, msgBody sql.NullString
		var msgMeta []byte
		var msgCreated sql.NullTime
		err := rows.Scan(
			&s.Chat.ID, &s.Chat.Type, &title, &s.Chat.OwnerID, &s.Chat.EventID,
			&s.Chat.Archived, &s.Chat.LastSeq, &s.Chat.CreatedAt,
			&s.Membership.Role, &s.Membership.JoinedAt, &s.Membership.MutedUntil, &s.Membership.LastReadSeq,
			&msgID, &msgSender, &msgKind, &msgBody, &msgMeta, &msgSeq, &msgCreated,
		)
		if err != nil {
			return nil, err
		}
		s.Chat.Title = title.String
		s.Membership.ChatID = s.Chat.ID
		s.Membership.UserID = userID
		if msgID.Valid {
			s.LastMessage = &domain.Message{
				ID:        msgID.Int64,
				ChatID:    s.Chat.ID,
				SenderID:  msgSender.UUID,
				Kind:      domain.MessageKind(msgKind.String),
				Body:      msgBody.String,
				Meta:      msgMeta,
				Seq:       msgSeq.Int64,
				CreatedAt: msgCreated.Time,
			}
		}
		summaries = append(summaries, &s)
	}
	return summaries, rows.Err()
}

func (r *ChatRepository) GetMember(ctx context.Context, chatID, userID uuid.UUID) (*domain.ChatMember, error) {
	var m domain.ChatMember
	err := r.db.QueryRowContext(ctx, `
		SELECT chat_id, user_id, role, joined_at, muted_until, last_read_seq, left_at
		FROM chat_members WHERE chat_id = $1 AND user_id = $2
	`, chatID, userID).Scan(&m.ChatID, &m.UserID, &m.Role, &m.JoinedAt, &m.MutedUntil, &m.LastReadSeq, &m.LeftAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch chat member: %w", err)
	}
	return &m, nil
}

func (r *ChatRepository) AddMember(ctx context.Context, member *domain.ChatMember, outbox *domain.OutboxMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertMember(ctx, tx, member); err != nil {
		return err
	}

	if outbox != nil {
		if err := r.outboxRepo.Save(ctx, tx, outbox); err != nil {
			return err
		}
	}

	return tx.Commit()
}

func (r *ChatRepository) MarkLeft(ctx context.Context, chatID, userID uuid.UUID, leftAt time.Time, outbox *domain.OutboxMessage) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		UPDATE chat_members SET left_at = $3
		WHERE chat_id = $1 AND user_id = $2 AND left_at IS NULL
	`, chatID, userID, leftAt)
	if err != nil {
		return fmt.Errorf("failed to mark member left: %w", err)
	}

	if outbox != nil {
		if err := r.outboxRepo.Save(ctx, tx, outbox); err != nil {
			return err
		}
	}

	return tx.Commit()
}

// MarkRead advances the caller's watermark, guarded in SQL so it never
// regresses and never exceeds the chat's last_seq. Returns whether the
// watermark actually moved.
func (r *ChatRepository) MarkRead(ctx context.Context, chatID, userID uuid.UUID, maxSeq int64) (bool, error) {
	res, err := r.db.ExecContext(ctx, `
		UPDATE chat_members cm
		SET last_read_seq = $3
		FROM chats c
		WHERE cm.chat_id = $1 AND cm.user_id = $2 AND c.id = cm.chat_id
		  AND cm.left_at IS NULL
		  AND $3 > cm.last_read_seq
		  AND $3 <= c.last_seq
	`, chatID, userID, maxSeq)
	if err != nil {
		return false, fmt.Errorf("failed to update read watermark: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// AppendMessage allocates the chat's next seq, inserts the message and
// writes its MESSAGE_CREATED outbox row in one transaction. The
// UPDATE ... RETURNING takes a row lock on the chat, which serializes
// allocation per chat across processes: seqs come out strictly increasing
// and gapless, and a rolled-back send never advances the counter.
func (r *ChatRepository) AppendMessage(ctx context.Context, msg *domain.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	err = tx.QueryRowContext(ctx, `
		UPDATE chats SET last_seq = last_seq + 1 WHERE id = $1 RETURNING last_seq
	`, msg.ChatID).Scan(&msg.Seq)
	if err == sql.ErrNoRows {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to allocate seq: %w", err)
	}

	err = tx.QueryRowContext(ctx, `
		INSERT INTO messages (chat_id, sender_id, kind, body, meta, seq, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id
	`, msg.ChatID, msg.SenderID, msg.Kind, msg.Body, []byte(msg.Meta), msg.Seq, msg.CreatedAt).Scan(&msg.ID)
	if err != nil {
		return fmt.Errorf("failed to insert message: %w", err)
	}

	// Built here so the payload carries the seq just assigned.
	outboxMsg, err := domain.NewOutboxMessage(domain.EventTypeMessageCreated, msg)
	if err != nil {
		return fmt.Errorf("failed to marshal message payload: %w", err)
	}
	if err := r.outboxRepo.Save(ctx, tx, outboxMsg); err != nil {
		return err
	}

	return tx.Commit()
}

const messageColumns = `id, chat_id, sender_id, kind, body, meta, seq, created_at`

func scanMessages(rows *sql.Rows) ([]*domain.Message, error) {
	var messages []*domain.Message
	for rows.Next() {
		var m domain.Message
		var meta []byte
		if err := rows.Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Kind, &m.Body, &meta, &m.Seq, &m.CreatedAt); err != nil {
			return nil, err
		}
		m.Meta = meta
		messages = append(messages, &m)
	}
	return messages, rows.Err()
}

func (r *ChatRepository) GetMessage(ctx context.Context, messageID int64) (*domain.Message, error) {
	var m domain.Message
	var meta []byte
	err := r.db.QueryRowContext(ctx, `
		SELECT `+messageColumns+` FROM messages WHERE id = $1
	`, messageID).Scan(&m.ID, &m.ChatID, &m.SenderID, &m.Kind, &m.Body, &meta, &m.Seq, &m.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to fetch message: %w", err)
	}
	m.Meta = meta
	return &m, nil
}

// ListMessages pages backwards through a chat by seq cursor; beforeSeq = 0
// means "from the newest". Results come back in ascending seq order.
func (r *ChatRepository) ListMessages(ctx context.Context, chatID uuid.UUID, beforeSeq int64, limit int) ([]*domain.Message, error) {
	cursor := beforeSeq
	if cursor <= 0 {
		cursor = int64(^uint64(0) >> 1)
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT `+messageColumns+` FROM messages
		WHERE chat_id = $1 AND seq < $2
		ORDER BY seq DESC
		LIMIT $3
	`, chatID, cursor, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch messages: %w", err)
	}
	defer rows.Close()

	messages, err := scanMessages(rows)
	if err != nil {
		return nil, err
	}
	for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
		messages[i], messages[j] = messages[j], messages[i]
	}
	return messages, nil
}

// SearchMessages scans message bodies in chats the user is an active member
// of; the membership join is the authorization scope.
func (r *ChatRepository) SearchMessages(ctx context.Context, userID uuid.UUID, query string, chatID *uuid.UUID, limit int) ([]*domain.Message, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT m.id, m.chat_id, m.sender_id, m.kind, m.body, m.meta, m.seq, m.created_at
		FROM messages m
		JOIN chat_members cm ON cm.chat_id = m.chat_id
		WHERE cm.user_id = $1 AND cm.left_at IS NULL
		  AND m.body ILIKE '%' || $2 || '%'
		  AND ($3::uuid IS NULL OR m.chat_id = $3)
		ORDER BY m.created_at DESC
		LIMIT $4
	`, userID, query, chatID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to search messages: %w", err)
	}
	defer rows.Close()

	return scanMessages(rows)
}

// SetReaction is an idempotent set-insert: a duplicate (message, user,
// emoji) triple is a no-op.
func (r *ChatRepository) SetReaction(ctx context.Context, reaction *domain.Reaction) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO message_reactions (message_id, user_id, emoji, created_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (message_id, user_id, emoji) DO NOTHING
	`, reaction.MessageID, reaction.UserID, reaction.Emoji, reaction.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to set reaction: %w", err)
	}
	return nil
}

// RemoveReaction deletes the triple if present; removing an absent reaction
// is a no-op, not an error.
func (r *ChatRepository) RemoveReaction(ctx context.Context, messageID int64, userID uuid.UUID, emoji string) error {
	_, err := r.db.ExecContext(ctx, `
		DELETE FROM message_reactions
		WHERE message_id = $1 AND user_id = $2 AND emoji = $3
	`, messageID, userID, emoji)
	if err != nil {
		return fmt.Errorf("failed to remove reaction: %w", err)
	}
	return nil
}

func (r *ChatRepository) ListReactions(ctx context.Context, messageID int64) ([]*domain.Reaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT message_id, user_id, emoji, created_at
		FROM message_reactions WHERE message_id = $1
		ORDER BY created_at ASC
	`, messageID)
	if err != nil {
		return nil, fmt.Errorf("failed to list reactions: %w", err)
	}
	defer rows.Close()

	var reactions []*domain.Reaction
	for rows.Next() {
		var re domain.Reaction
		if err := rows.Scan(&re.MessageID, &re.UserID, &re.Emoji, &re.CreatedAt); err != nil {
			return nil, err
		}
		reactions = append(reactions, &re)
	}
	return reactions, rows.Err()
}

// orderedPair canonicalizes an unordered user pair so the unique index on
// (user_lo, user_hi) holds regardless of argument order.
func orderedPair(a, b uuid.UUID) (uuid.UUID, uuid.UUID) {
	if a.String() < b.String() {
		return a, b
	}
	return b, a
}
