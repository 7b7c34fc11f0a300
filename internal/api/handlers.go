package api

import (
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"chatrelay/internal/models"
	"chatrelay/internal/service/relay"
	"chatrelay/internal/service/repository"
)

// Handler wires HTTP routes to the repository and the chat relay pipeline.
type Handler struct {
	repo      *repository.Service
	pipeline  *relay.Pipeline
	uploadDir string
	logger    *zap.SugaredLogger
}

// NewHandler constructs a Handler instance.
func NewHandler(repo *repository.Service, pipeline *relay.Pipeline, uploadDir string, logger *zap.SugaredLogger) *Handler {
	return &Handler{
		repo:      repo,
		pipeline:  pipeline,
		uploadDir: uploadDir,
		logger:    logger,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	api := router.Group("/api")
	api.POST("/chat", h.relayChat)
	api.GET("/chat", h.getChatHistory)
	api.GET("/conversations", h.listConversations)
	api.POST("/conversations", h.createConversation)
	api.GET("/conversations/:id", h.getConversation)
	api.PATCH("/conversations/:id", h.updateConversation)
	api.DELETE("/conversations/:id", h.deleteConversation)
	api.POST("/messages", h.createMessage)
	api.GET("/messages", h.listMessages)
	api.POST("/upload", h.uploadFile)
	router.Static("/uploads", h.uploadDir)
}

// Chat relay interface
type chatRequest struct {
	Turns          []models.Turn `json:"turns"`
	ConversationID string        `json:"conversationId"`
}

func (h *Handler) relayChat(c *gin.Context) {
	var req chatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body", "details": err.Error()})
		return
	}
	relayReq := relay.Request{Turns: req.Turns, ConversationID: req.ConversationID}
	if err := h.pipeline.Validate(relayReq); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	if req.ConversationID != "" {
		activeTurn := req.Turns[len(req.Turns)-1]
		if _, err := h.pipeline.RecordUserTurn(ctx, req.ConversationID, activeTurn); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
				return
			}
			c.JSON(http.StatusInternalServerError, gin.H{"error": "record user turn failed", "details": err.Error()})
			return
		}
	}

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "streaming not supported"})
		return
	}

	// Headers go out with the first frame so that pre-stream failures can
	// still produce a JSON error body.
	streamed := false
	send := func(f relay.Frame) error {
		data, err := f.Encode()
		if err != nil {
			return err
		}
		if !streamed {
			h.setStreamHeaders(c)
			streamed = true
		}
		if _, err := c.Writer.Write(data); err != nil {
			return err
		}
		flusher.Flush()
		return nil
	}

	if _, err := h.pipeline.Run(ctx, relayReq, send); err != nil {
		if !streamed {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "chat relay failed", "details": err.Error()})
			return
		}
		// Headers and partial frames are already flushed. Sever the
		// connection so the client sees an abnormal stream end instead of a
		// truncated body that looks complete.
		panic(http.ErrAbortHandler)
	}
	if !streamed {
		h.setStreamHeaders(c)
	}
}

func (h *Handler) setStreamHeaders(c *gin.Context) {
	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")
	c.Writer.Header().Set("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
}

type messagePart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type historyMessage struct {
	ID    string        `json:"id"`
	Role  models.Role   `json:"role"`
	Parts []messagePart `json:"parts"`
}

func (h *Handler) getChatHistory(c *gin.Context) {
	conversationID := c.Query("conversationId")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId is required"})
		return
	}
	conv, err := h.repo.GetConversation(c.Request.Context(), conversationID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	history := make([]historyMessage, 0, len(conv.Messages))
	for _, msg := range conv.Messages {
		history = append(history, historyMessage{
			ID:    msg.ID,
			Role:  msg.Role,
			Parts: []messagePart{{Type: "text", Text: msg.Content}},
		})
	}
	c.JSON(http.StatusOK, history)
}

// Conversation CRUD interface
func (h *Handler) listConversations(c *gin.Context) {
	conversations, err := h.repo.ListConversations(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if conversations == nil {
		conversations = []*models.Conversation{}
	}
	c.JSON(http.StatusOK, conversations)
}

func (h *Handler) createConversation(c *gin.Context) {
	var req struct {
		Title string `json:"title"`
	}
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
			return
		}
	}
	conv, err := h.repo.CreateConversation(c.Request.Context(), req.Title)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

func (h *Handler) getConversation(c *gin.Context) {
	conv, err := h.repo.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) updateConversation(c *gin.Context) {
	var req struct {
		Title *string `json:"title"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	// The title key must be present; an empty string is a valid title here,
	// unlike at creation time.
	if req.Title == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "title is required"})
		return
	}
	conv, err := h.repo.UpdateConversationTitle(c.Request.Context(), c.Param("id"), *req.Title)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (h *Handler) deleteConversation(c *gin.Context) {
	if err := h.repo.DeleteConversation(c.Request.Context(), c.Param("id")); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"message": "conversation deleted"})
}

// Message interface
type createMessageRequest struct {
	ConversationID *string             `json:"conversationId"`
	Role           *string             `json:"role"`
	Content        *string             `json:"content"`
	Attachments    []models.Attachment `json:"attachments"`
}

func (h *Handler) createMessage(c *gin.Context) {
	var req createMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.ConversationID == nil || req.Role == nil || req.Content == nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId, role and content are required"})
		return
	}
	role := models.Role(*req.Role)
	if !models.ValidRole(role) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "role must be 'user' or 'assistant'"})
		return
	}
	msg, err := h.repo.CreateMessage(c.Request.Context(), *req.ConversationID, role, *req.Content, req.Attachments)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusCreated, msg)
}

func (h *Handler) listMessages(c *gin.Context) {
	conversationID := c.Query("conversationId")
	if conversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversationId is required"})
		return
	}
	messages, err := h.repo.ListMessages(c.Request.Context(), conversationID)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
		return
	}
	if messages == nil {
		messages = []*models.Message{}
	}
	c.JSON(http.StatusOK, messages)
}

// Upload interface
const maxUploadBytes = 10 << 20 // 10 MB

var allowedUploadTypes = []string{
	"image/png",
	"image/jpeg",
	"image/jpg",
	"image/webp",
	"application/pdf",
	"text/plain",
	"text/markdown",
}

var allowedUploadExts = []string{".png", ".jpg", ".jpeg", ".webp", ".pdf", ".txt", ".md"}

func isAllowedUpload(contentType, ext string) bool {
	for _, allowed := range allowedUploadTypes {
		if contentType == allowed {
			return true
		}
	}
	for _, allowed := range allowedUploadExts {
		if ext == allowed {
			return true
		}
	}
	return false
}

func (h *Handler) uploadFile(c *gin.Context) {
	file, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file is required"})
		return
	}
	if file.Size > maxUploadBytes {
		c.JSON(http.StatusBadRequest, gin.H{"error": "file exceeds the 10MB limit"})
		return
	}
	contentType := file.Header.Get("Content-Type")
	ext := strings.ToLower(filepath.Ext(file.Filename))
	if !isAllowedUpload(contentType, ext) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unsupported file type"})
		return
	}

	storedName := uniqueUploadName(file.Filename)
	if err := os.MkdirAll(h.uploadDir, 0o755); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "create upload directory failed"})
		return
	}
	if err := c.SaveUploadedFile(file, filepath.Join(h.uploadDir, storedName)); err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "save file failed"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"success":  true,
		"url":      "/uploads/" + storedName,
		"filename": file.Filename,
		"size":     file.Size,
		"type":     contentType,
	})
}

var unsafeFilenameChars = regexp.MustCompile(`[^a-zA-Z0-9.-]`)

// uniqueUploadName builds a collision-resistant stored name: timestamp,
// random token, then the sanitized original.
func uniqueUploadName(original string) string {
	sanitized := unsafeFilenameChars.ReplaceAllString(filepath.Base(original), "_")
	return fmt.Sprintf("%d-%s-%s", time.Now().UnixMilli(), randomToken(6), sanitized)
}

func randomToken(n int) string {
	buf := make([]byte, (n+1)/2)
	if _, err := rand.Read(buf); err != nil {
		return fmt.Sprintf("%x", time.Now().UnixNano())
	}
	return hex.EncodeToString(buf)[:n]
}
