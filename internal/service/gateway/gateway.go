package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/cloudwego/eino-ext/components/model/claude"
	"github.com/cloudwego/eino-ext/components/model/gemini"
	"github.com/cloudwego/eino-ext/components/model/openai"
	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"go.uber.org/zap"
	"google.golang.org/genai"

	"chatrelay/internal/config"
	"chatrelay/internal/models"
)

// ErrUpstream marks a failure reported by the model provider, before or
// during streaming.
var ErrUpstream = errors.New("upstream model failure")

// DeltaStream is a lazy, forward-only, single-consumption sequence of text
// fragments. Recv returns io.EOF on normal completion; fragment boundaries
// carry no alignment guarantee.
type DeltaStream interface {
	Recv() (string, error)
	Close()
}

// Gateway adapts a turn history into one call against the configured
// streaming completion provider. The system instruction and model identifier
// are process-wide configuration, not per-request.
type Gateway struct {
	chatModel    model.ToolCallingChatModel
	systemPrompt string
	publicBase   string
	modelName    string
	logger       *zap.SugaredLogger
}

// New constructs the gateway for the provider selected in cfg.
func New(ctx context.Context, cfg *config.Config, logger *zap.SugaredLogger) (*Gateway, error) {
	provider := cfg.BasicConfig.Provider
	provCfg, ok := cfg.Providers[provider]
	if !ok {
		return nil, fmt.Errorf("provider %s not configured", provider)
	}
	if provCfg.Model == "" {
		return nil, fmt.Errorf("model must be configured for provider %s", provider)
	}

	var (
		chatModel model.ToolCallingChatModel
		err       error
	)
	switch provider {
	case "openai":
		chatModel, err = openai.NewChatModel(ctx, &openai.ChatModelConfig{
			BaseURL: provCfg.BaseURL,
			Model:   provCfg.Model,
			APIKey:  provCfg.APIKey,
		})
	case "gemini":
		var client *genai.Client
		client, err = genai.NewClient(ctx, &genai.ClientConfig{
			APIKey: provCfg.APIKey,
		})
		if err != nil {
			return nil, fmt.Errorf("init gemini client: %w", err)
		}
		chatModel, err = gemini.NewChatModel(ctx, &gemini.Config{
			Client: client,
			Model:  provCfg.Model,
		})
	case "claude":
		var baseURLPtr *string
		if provCfg.BaseURL != "" {
			baseURLPtr = &provCfg.BaseURL
		}
		chatModel, err = claude.NewChatModel(ctx, &claude.Config{
			APIKey:    provCfg.APIKey,
			Model:     provCfg.Model,
			BaseURL:   baseURLPtr,
			MaxTokens: 3000,
		})
	default:
		return nil, fmt.Errorf("invalid provider: %s", provider)
	}
	if err != nil {
		return nil, fmt.Errorf("init %s chat model: %w", provider, err)
	}

	return &Gateway{
		chatModel:    chatModel,
		systemPrompt: cfg.BasicConfig.SystemPrompt,
		publicBase:   cfg.BasicConfig.PublicBaseURL,
		modelName:    provCfg.Model,
		logger:       logger,
	}, nil
}

// Stream sends the history upstream and returns its delta stream. The caller
// owns the stream and must Close it.
func (g *Gateway) Stream(ctx context.Context, turns []models.Turn) (DeltaStream, error) {
	reader, err := g.chatModel.Stream(ctx, g.buildMessages(turns))
	if err != nil {
		g.logger.Errorw("model stream dispatch failed", "model", g.modelName, "error", err)
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return &modelStream{reader: reader}, nil
}

// buildMessages converts the history into provider messages. Only the latest
// turn is inspected for image attachments; when present, it becomes an
// ordered parts list of image parts followed by a text part (omitted when the
// text is empty). Non-image attachments never reach the payload.
func (g *Gateway) buildMessages(turns []models.Turn) []*schema.Message {
	messages := make([]*schema.Message, 0, len(turns)+1)
	if g.systemPrompt != "" {
		messages = append(messages, &schema.Message{
			Role:    schema.System,
			Content: g.systemPrompt,
		})
	}
	for i, turn := range turns {
		role := schema.User
		if turn.Role == models.RoleAssistant {
			role = schema.Assistant
		}
		if i == len(turns)-1 {
			if parts := g.imageParts(turn); len(parts) > 0 {
				if turn.Content != "" {
					parts = append(parts, schema.ChatMessagePart{
						Type: schema.ChatMessagePartTypeText,
						Text: turn.Content,
					})
				}
				messages = append(messages, &schema.Message{
					Role:         role,
					MultiContent: parts,
				})
				continue
			}
		}
		messages = append(messages, &schema.Message{
			Role:    role,
			Content: turn.Content,
		})
	}
	return messages
}

func (g *Gateway) imageParts(turn models.Turn) []schema.ChatMessagePart {
	var parts []schema.ChatMessagePart
	for _, attachment := range turn.Attachments {
		if !attachment.IsImage() {
			continue
		}
		parts = append(parts, schema.ChatMessagePart{
			Type: schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{
				URL:      g.absoluteURL(attachment.URL),
				MIMEType: attachment.MimeType,
			},
		})
	}
	return parts
}

// absoluteURL rewrites relative attachment URLs against the public base URL.
func (g *Gateway) absoluteURL(url string) string {
	if strings.HasPrefix(url, "http") {
		return url
	}
	base := strings.TrimRight(g.publicBase, "/")
	if !strings.HasPrefix(url, "/") {
		url = "/" + url
	}
	return base + url
}

type modelStream struct {
	reader *schema.StreamReader[*schema.Message]
}

func (s *modelStream) Recv() (string, error) {
	msg, err := s.reader.Recv()
	if err != nil {
		if errors.Is(err, io.EOF) {
			return "", io.EOF
		}
		return "", fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	return msg.Content, nil
}

func (s *modelStream) Close() {
	s.reader.Close()
}
