package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"chatrelay/internal/cache"
	"chatrelay/internal/models"
)

const conversationIndexKey = "chatrelay:conversations:index"

const defaultCacheTTL = 30 * time.Second

// Service persists conversations and messages. The cache client is optional;
// nil disables the conversation-index cache.
type Service struct {
	db       *sql.DB
	cache    *cache.Client
	cacheTTL time.Duration
}

// NewService builds a repository over the given database handle.
func NewService(db *sql.DB, cacheClient *cache.Client, cacheTTL time.Duration) *Service {
	if cacheTTL <= 0 {
		cacheTTL = defaultCacheTTL
	}
	return &Service{db: db, cache: cacheClient, cacheTTL: cacheTTL}
}

func (s *Service) invalidateIndex(ctx context.Context) {
	_ = s.cache.Del(ctx, conversationIndexKey)
}

func encodeAttachments(attachments []models.Attachment) (interface{}, error) {
	if attachments == nil {
		return nil, nil
	}
	data, err := json.Marshal(attachments)
	if err != nil {
		return nil, fmt.Errorf("encode attachments: %w", err)
	}
	return string(data), nil
}

func decodeAttachments(raw sql.NullString) ([]models.Attachment, error) {
	if !raw.Valid || raw.String == "" {
		return nil, nil
	}
	var attachments []models.Attachment
	if err := json.Unmarshal([]byte(raw.String), &attachments); err != nil {
		return nil, fmt.Errorf("decode attachments: %w", err)
	}
	return attachments, nil
}
