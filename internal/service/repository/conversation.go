package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"chatrelay/internal/models"
)

// CreateConversation inserts a new conversation. An omitted or empty title
// falls back to the placeholder; that defaulting happens here only, not on
// title updates.
func (s *Service) CreateConversation(ctx context.Context, title string) (*models.Conversation, error) {
	if title == "" {
		title = models.DefaultConversationTitle
	}
	now := time.Now().UTC()
	conv := &models.Conversation{
		ID:        uuid.NewString(),
		Title:     title,
		CreatedAt: now,
		UpdatedAt: now,
		Messages:  []*models.Message{},
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, created_at, updated_at) VALUES (?, ?, ?, ?)`,
		conv.ID, conv.Title, conv.CreatedAt, conv.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("create conversation: %w", err)
	}
	s.invalidateIndex(ctx)
	return conv, nil
}

// ListConversations returns all conversations ordered by last activity, each
// carrying at most its single most recent message as a preview.
func (s *Service) ListConversations(ctx context.Context) ([]*models.Conversation, error) {
	if cached, err := s.cache.Get(ctx, conversationIndexKey); err == nil && cached != "" {
		var conversations []*models.Conversation
		if err := json.Unmarshal([]byte(cached), &conversations); err == nil {
			return conversations, nil
		}
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT c.id, c.title, c.created_at, c.updated_at,
		        m.id, m.role, m.content, m.attachments, m.created_at
		 FROM conversations c
		 LEFT JOIN messages m ON m.id = (
			SELECT id FROM messages
			WHERE conversation_id = c.id
			ORDER BY created_at DESC LIMIT 1
		 )
		 ORDER BY c.updated_at DESC`,
	)
	if err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}
	defer rows.Close()

	var conversations []*models.Conversation
	for rows.Next() {
		conv := new(models.Conversation)
		var (
			msgID      sql.NullString
			msgRole    sql.NullString
			msgContent sql.NullString
			msgAttach  sql.NullString
			msgCreated sql.NullTime
		)
		if err := rows.Scan(
			&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt,
			&msgID, &msgRole, &msgContent, &msgAttach, &msgCreated,
		); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		conv.Messages = []*models.Message{}
		if msgID.Valid {
			attachments, err := decodeAttachments(msgAttach)
			if err != nil {
				return nil, err
			}
			conv.Messages = append(conv.Messages, &models.Message{
				ID:             msgID.String,
				ConversationID: conv.ID,
				Role:           models.Role(msgRole.String),
				Content:        msgContent.String,
				Attachments:    attachments,
				CreatedAt:      msgCreated.Time,
			})
		}
		conversations = append(conversations, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list conversations: %w", err)
	}

	if payload, err := json.Marshal(conversations); err == nil {
		_ = s.cache.Set(ctx, conversationIndexKey, payload, s.cacheTTL)
	}
	return conversations, nil
}

// GetConversation returns one conversation with all its messages in
// chronological order. Returns sql.ErrNoRows when the id is unknown.
func (s *Service) GetConversation(ctx context.Context, id string) (*models.Conversation, error) {
	conv := new(models.Conversation)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("get conversation: %w", err)
	}

	messages, err := s.ListMessages(ctx, id)
	if err != nil {
		return nil, err
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	conv.Messages = messages
	return conv, nil
}

// UpdateConversationTitle stores the title verbatim, empty string included,
// and bumps updated_at. Returns sql.ErrNoRows when the id is unknown.
func (s *Service) UpdateConversationTitle(ctx context.Context, id, title string) (*models.Conversation, error) {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, now, id,
	)
	if err != nil {
		return nil, fmt.Errorf("update conversation title: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		return nil, sql.ErrNoRows
	}
	s.invalidateIndex(ctx)

	conv := new(models.Conversation)
	err = s.db.QueryRowContext(ctx,
		`SELECT id, title, created_at, updated_at FROM conversations WHERE id = ?`, id,
	).Scan(&conv.ID, &conv.Title, &conv.CreatedAt, &conv.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("reload conversation: %w", err)
	}
	return conv, nil
}

// DeleteConversation removes the conversation and all its messages. Messages
// go first; their deletion is idempotent, while a missing conversation row
// yields sql.ErrNoRows.
func (s *Service) DeleteConversation(ctx context.Context, id string) (err error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		if err != nil {
			tx.Rollback()
		}
	}()

	if _, err = tx.ExecContext(ctx, `DELETE FROM messages WHERE conversation_id = ?`, id); err != nil {
		return fmt.Errorf("delete messages: %w", err)
	}
	res, err := tx.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete conversation: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("conversation rows affected: %w", err)
	}
	if affected == 0 {
		err = sql.ErrNoRows
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit delete conversation: %w", err)
	}
	s.invalidateIndex(ctx)
	return nil
}
