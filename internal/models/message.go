package models

import (
	"strings"
	"time"
)

type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// ValidRole reports whether r is one of the two permitted roles.
func ValidRole(r Role) bool {
	return r == RoleUser || r == RoleAssistant
}

// Attachment references an uploaded file associated with a message.
type Attachment struct {
	Name     string `json:"name"`
	URL      string `json:"url"`
	MimeType string `json:"mimeType"`
	Size     int64  `json:"size"`
}

// IsImage reports whether the attachment carries image data.
func (a Attachment) IsImage() bool {
	return strings.HasPrefix(a.MimeType, "image/")
}

// Message is one stored chat turn. Immutable after creation; a nil
// Attachments slice serializes as JSON null.
type Message struct {
	ID             string       `json:"id"`
	ConversationID string       `json:"conversationId"`
	Role           Role         `json:"role"`
	Content        string       `json:"content"`
	Attachments    []Attachment `json:"attachments"`
	CreatedAt      time.Time    `json:"createdAt"`
}

// Turn is one role-tagged entry of a chat request's history.
type Turn struct {
	Role        Role         `json:"role"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
}
