package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"campusnet/messaging-service/internal/models"
)

// ErrNotFound is returned when a row the caller asked for does not exist.
var ErrNotFound = errors.New("not found")

type MessagingRepository interface {
	FindOrCreateConversation(ctx context.Context, id string, low, high int64) (*models.Conversation, error)
	GetConversationByID(ctx context.Context, id string) (*models.Conversation, error)
	ListConversationSummaries(ctx context.Context, userID int64) ([]*models.ConversationSummary, error)
	AppendMessage(ctx context.Context, msg *models.Message) error
	GetConversationMessages(ctx context.Context, conversationID string) ([]*models.Message, error)
	MarkMessagesAsRead(ctx context.Context, conversationID string, userID int64) (int, error)
	InitializeSchema() error
	Ping(ctx context.Context) error
}

type messagingRepository struct {
	db *sql.DB
}

func NewMessagingRepository(db *sql.DB) MessagingRepository {
	return &messagingRepository{
		db: db,
	}
}

func (r *messagingRepository) InitializeSchema() error {
	query := `
	CREATE TABLE IF NOT EXISTS conversations (
		id UUID PRIMARY KEY,
		participant_low BIGINT NOT NULL,
		participant_high BIGINT NOT NULL,
		last_message_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		CHECK (participant_low < participant_high),
		UNIQUE (participant_low, participant_high)
	);

	CREATE TABLE IF NOT EXISTS messages (
		id UUID PRIMARY KEY,
		seq BIGSERIAL,
		conversation_id UUID NOT NULL REFERENCES conversations(id) ON DELETE CASCADE,
		sender_id BIGINT NOT NULL,
		content TEXT NOT NULL,
		created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
		read_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_messages_conversation_id ON messages(conversation_id);
	CREATE INDEX IF NOT EXISTS idx_messages_created_at ON messages(created_at);
	CREATE INDEX IF NOT EXISTS idx_conversations_participant_low ON conversations(participant_low);
	CREATE INDEX IF NOT EXISTS idx_conversations_participant_high ON conversations(participant_high);
	`

	_, err := r.db.Exec(query)
	return err
}

func (r *messagingRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}

// FindOrCreateConversation inserts the conversation for the canonical pair,
// ignoring the insert when the pair already exists, then re-selects the row
// within the same transaction. The unique constraint on
// (participant_low, participant_high) makes racing creators converge on one
// row; every caller gets the same id back.
func (r *messagingRepository) FindOrCreateConversation(ctx context.Context, id string, low, high int64) (*models.Conversation, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `
	INSERT INTO conversations (id, participant_low, participant_high)
	VALUES ($1, $2, $3)
	ON CONFLICT (participant_low, participant_high) DO NOTHING
	`

	if _, err := tx.ExecContext(ctx, insertQuery, id, low, high); err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	selectQuery := `
	SELECT id, participant_low, participant_high, last_message_at, created_at
	FROM conversations
	WHERE participant_low = $1 AND participant_high = $2
	`

	var conv models.Conversation
	err = tx.QueryRowContext(ctx, selectQuery, low, high).Scan(
		&conv.ID, &conv.ParticipantLow, &conv.ParticipantHigh, &conv.LastMessageAt, &conv.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("select conversation: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &conv, nil
}

func (r *messagingRepository) GetConversationByID(ctx context.Context, id string) (*models.Conversation, error) {
	query := `
	SELECT id, participant_low, participant_high, last_message_at, created_at
	FROM conversations
	WHERE id = $1
	`

	var conv models.Conversation
	err := r.db.QueryRowContext(ctx, query, id).Scan(
		&conv.ID, &conv.ParticipantLow, &conv.ParticipantHigh, &conv.LastMessageAt, &conv.CreatedAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	return &conv, nil
}

func (r *messagingRepository) ListConversationSummaries(ctx context.Context, userID int64) ([]*models.ConversationSummary, error) {
	query := `
	SELECT c.id,
		CASE WHEN c.participant_low = $1 THEN c.participant_high ELSE c.participant_low END,
		COALESCE((
			SELECT m.content FROM messages m
			WHERE m.conversation_id = c.id
			ORDER BY m.created_at DESC, m.seq DESC
			LIMIT 1
		), ''),
		c.last_message_at,
		(
			SELECT COUNT(*) FROM messages m
			WHERE m.conversation_id = c.id AND m.sender_id != $1 AND m.read_at IS NULL
		)
	FROM conversations c
	WHERE c.participant_low = $1 OR c.participant_high = $1
	ORDER BY c.last_message_at DESC, c.id DESC
	`

	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var summaries []*models.ConversationSummary
	for rows.Next() {
		var s models.ConversationSummary
		err := rows.Scan(
			&s.ID, &s.OtherUserID, &s.LastMessage, &s.LastMessageAt, &s.UnreadCount,
		)
		if err != nil {
			return nil, err
		}
		summaries = append(summaries, &s)
	}

	return summaries, rows.Err()
}

// AppendMessage inserts the message and bumps the parent conversation's
// last_message_at to the same timestamp in one transaction, so recency
// metadata can never drift from the message log.
func (r *messagingRepository) AppendMessage(ctx context.Context, msg *models.Message) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer tx.Rollback()

	insertQuery := `
	INSERT INTO messages (id, conversation_id, sender_id, content)
	VALUES ($1, $2, $3, $4)
	RETURNING created_at
	`

	var createdAt time.Time
	err = tx.QueryRowContext(ctx, insertQuery,
		msg.ID, msg.ConversationID, msg.SenderID, msg.Content,
	).Scan(&createdAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}

	updateQuery := `
	UPDATE conversations
	SET last_message_at = GREATEST(last_message_at, $2)
	WHERE id = $1
	`

	result, err := tx.ExecContext(ctx, updateQuery, msg.ConversationID, createdAt)
	if err != nil {
		return fmt.Errorf("update conversation recency: %w", err)
	}
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return err
	}
	if rowsAffected == 0 {
		return ErrNotFound
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}

	msg.CreatedAt = createdAt
	return nil
}

// GetConversationMessages returns the full thread in send order. UUIDs carry
// no insertion order, so the serial seq column breaks timestamp ties.
func (r *messagingRepository) GetConversationMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	query := `
	SELECT id, conversation_id, sender_id, content, created_at, read_at
	FROM messages
	WHERE conversation_id = $1
	ORDER BY created_at ASC, seq ASC
	`

	rows, err := r.db.QueryContext(ctx, query, conversationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		var msg models.Message
		var readAt sql.NullTime
		err := rows.Scan(
			&msg.ID, &msg.ConversationID, &msg.SenderID, &msg.Content, &msg.CreatedAt, &readAt,
		)
		if err != nil {
			return nil, err
		}
		if readAt.Valid {
			msg.ReadAt = &readAt.Time
			msg.IsRead = true
		}
		messages = append(messages, &msg)
	}

	return messages, rows.Err()
}

// MarkMessagesAsRead flips every unread message the counterpart sent in this
// conversation. Only read_at IS NULL rows are touched, so the flag never
// reverts and a second call is a no-op.
func (r *messagingRepository) MarkMessagesAsRead(ctx context.Context, conversationID string, userID int64) (int, error) {
	query := `
	UPDATE messages
	SET read_at = NOW()
	WHERE conversation_id = $1 AND sender_id != $2 AND read_at IS NULL
	`

	result, err := r.db.ExecContext(ctx, query, conversationID, userID)
	if err != nil {
		return 0, err
	}

	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return 0, err
	}

	return int(rowsAffected), nil
}
