package repository

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/models"
)

// CreateMessage persists a message for an existing conversation and bumps the
// parent's updated_at. The bump is a separate statement, not transactional
// with the insert; losing it leaves the message intact. Returns sql.ErrNoRows
// when the conversation does not exist.
func (s *Service) CreateMessage(ctx context.Context, conversationID string, role models.Role, content string, attachments []models.Attachment) (*models.Message, error) {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM conversations WHERE id = ?)`, conversationID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("verify conversation: %w", err)
	}
	if !exists {
		return nil, sql.ErrNoRows
	}

	encoded, err := encodeAttachments(attachments)
	if err != nil {
		return nil, err
	}

	now := time.Now().UTC()
	msg := &models.Message{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Attachments:    attachments,
		CreatedAt:      now,
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, attachments, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, encoded, msg.CreatedAt,
	); err != nil {
		return nil, fmt.Errorf("insert message: %w", err)
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET updated_at = ? WHERE id = ?`, now, conversationID,
	); err != nil {
		return nil, fmt.Errorf("touch conversation: %w", err)
	}
	s.invalidateIndex(ctx)
	return msg, nil
}

// ListMessages returns all messages for the conversation in chronological
// order. An unknown conversation id yields an empty result, not an error; the
// parent's existence is deliberately not checked here.
func (s *Service) ListMessages(ctx context.Context, conversationID string) ([]*models.Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, attachments, created_at
		 FROM messages WHERE conversation_id = ? ORDER BY created_at ASC`,
		conversationID,
	)
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	defer rows.Close()

	var messages []*models.Message
	for rows.Next() {
		m := new(models.Message)
		var attach sql.NullString
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &attach, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		attachments, err := decodeAttachments(attach)
		if err != nil {
			return nil, err
		}
		m.Attachments = attachments
		messages = append(messages, m)
	}
	return messages, rows.Err()
}

// MessageCount reports how many messages the conversation holds.
func (s *Service) MessageCount(ctx context.Context, conversationID string) (int64, error) {
	var count int64
	err := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM messages WHERE conversation_id = ?`, conversationID,
	).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("count messages: %w", err)
	}
	return count, nil
}
