package models

import "time"

// DefaultConversationTitle is assigned when a conversation is created
// without a title.
const DefaultConversationTitle = "New Conversation"

// Conversation groups an ordered sequence of messages.
type Conversation struct {
	ID        string     `json:"id"`
	Title     string     `json:"title"`
	CreatedAt time.Time  `json:"createdAt"`
	UpdatedAt time.Time  `json:"updatedAt"`
	Messages  []*Message `json:"messages"`
}
