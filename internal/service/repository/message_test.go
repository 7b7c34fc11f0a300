package repository

import (
	"context"
	"database/sql"
	"errors"
	"reflect"
	"testing"
	"time"

	"chatrelay/internal/models"
)

func TestCreateMessageBumpsConversation(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	msg, err := svc.CreateMessage(ctx, conv.ID, models.RoleUser, "hello there", nil)
	if err != nil {
		t.Fatalf("create message: %v", err)
	}
	if msg.ID == "" || msg.ConversationID != conv.ID {
		t.Fatalf("unexpected message identity: %+v", msg)
	}

	loaded, err := svc.GetConversation(ctx, conv.ID)
	if err != nil {
		t.Fatalf("get conversation: %v", err)
	}
	if !loaded.UpdatedAt.After(conv.UpdatedAt) {
		t.Fatalf("expected conversation updated_at to advance after message insert")
	}
}

func TestCreateMessageUnknownConversation(t *testing.T) {
	svc, _ := newTestService(t)

	_, err := svc.CreateMessage(context.Background(), "missing", models.RoleUser, "hi", nil)
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected sql.ErrNoRows, got %v", err)
	}
}

func TestMessageAttachmentsRoundTrip(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	attachments := []models.Attachment{
		{Name: "chart.png", URL: "/uploads/chart.png", MimeType: "image/png", Size: 2048},
		{Name: "notes.pdf", URL: "/uploads/notes.pdf", MimeType: "application/pdf", Size: 4096},
	}
	if _, err := svc.CreateMessage(ctx, conv.ID, models.RoleUser, "see attached", attachments); err != nil {
		t.Fatalf("create message: %v", err)
	}

	messages, err := svc.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if len(messages) != 1 {
		t.Fatalf("expected 1 message, got %d", len(messages))
	}
	if !reflect.DeepEqual(messages[0].Attachments, attachments) {
		t.Fatalf("attachments round trip mismatch: %+v", messages[0].Attachments)
	}
}

func TestMessageNilAttachmentsStayNil(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	if _, err := svc.CreateMessage(ctx, conv.ID, models.RoleAssistant, "plain text", nil); err != nil {
		t.Fatalf("create message: %v", err)
	}

	messages, err := svc.ListMessages(ctx, conv.ID)
	if err != nil {
		t.Fatalf("list messages: %v", err)
	}
	if messages[0].Attachments != nil {
		t.Fatalf("expected nil attachments, got %+v", messages[0].Attachments)
	}
}

func TestListMessagesUnknownConversation(t *testing.T) {
	svc, _ := newTestService(t)

	messages, err := svc.ListMessages(context.Background(), "missing")
	if err != nil {
		t.Fatalf("expected no error for unknown conversation, got %v", err)
	}
	if len(messages) != 0 {
		t.Fatalf("expected empty result, got %d messages", len(messages))
	}
}

func TestMessageCount(t *testing.T) {
	svc, _ := newTestService(t)
	ctx := context.Background()

	conv, err := svc.CreateConversation(ctx, "")
	if err != nil {
		t.Fatalf("create conversation: %v", err)
	}
	count, err := svc.MessageCount(ctx, conv.ID)
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 0 {
		t.Fatalf("expected 0 messages, got %d", count)
	}

	if _, err := svc.CreateMessage(ctx, conv.ID, models.RoleUser, "hi", nil); err != nil {
		t.Fatalf("create message: %v", err)
	}
	if _, err := svc.CreateMessage(ctx, conv.ID, models.RoleAssistant, "hello", nil); err != nil {
		t.Fatalf("create message: %v", err)
	}

	count, err = svc.MessageCount(ctx, conv.ID)
	if err != nil {
		t.Fatalf("count messages: %v", err)
	}
	if count != 2 {
		t.Fatalf("expected 2 messages, got %d", count)
	}
}
