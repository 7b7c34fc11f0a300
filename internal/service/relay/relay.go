package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"go.uber.org/zap"

	"chatrelay/internal/models"
	"chatrelay/internal/service/gateway"
	"chatrelay/internal/service/repository"
)

// ErrEmptyTurns is returned when a chat request carries no turns. Detected
// before any side effect; the gateway is never invoked.
var ErrEmptyTurns = errors.New("turns are required")

// DefaultStreamTimeout bounds total request lifetime when no value is
// configured.
const DefaultStreamTimeout = 30 * time.Second

// TextDelta tags a frame carrying one text fragment.
const TextDelta = "text-delta"

const titleRuneLimit = 30

// Frame is one transport unit wrapping exactly one delta.
type Frame struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// Encode renders the frame in the `0:<json>` line format the client consumes.
func (f Frame) Encode() ([]byte, error) {
	payload, err := json.Marshal(f)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	buf := make([]byte, 0, len(payload)+3)
	buf = append(buf, '0', ':')
	buf = append(buf, payload...)
	buf = append(buf, '\n')
	return buf, nil
}

// FrameFunc delivers one frame to the transport. A returned error aborts the
// stream.
type FrameFunc func(Frame) error

// Gateway produces the delta stream for a turn history.
type Gateway interface {
	Stream(ctx context.Context, turns []models.Turn) (gateway.DeltaStream, error)
}

// Pipeline relays one chat turn: validate the request, dispatch the history
// upstream, frame each delta for the transport, and persist the assembled
// assistant message once the stream completes.
type Pipeline struct {
	repo    *repository.Service
	gateway Gateway
	timeout time.Duration
	logger  *zap.SugaredLogger
}

// NewPipeline wires the relay over the repository and gateway.
func NewPipeline(repo *repository.Service, gw Gateway, timeout time.Duration, logger *zap.SugaredLogger) *Pipeline {
	if timeout <= 0 {
		timeout = DefaultStreamTimeout
	}
	return &Pipeline{repo: repo, gateway: gw, timeout: timeout, logger: logger}
}

// Request is one chat relay invocation. ConversationID may be empty, in
// which case nothing is persisted.
type Request struct {
	Turns          []models.Turn
	ConversationID string
}

// Validate checks the request before any side effect is performed.
func (p *Pipeline) Validate(req Request) error {
	if len(req.Turns) == 0 {
		return ErrEmptyTurns
	}
	return nil
}

// RecordUserTurn persists the active turn as a user message ahead of
// dispatch. When it is the conversation's first message, the conversation
// title is derived from the turn text.
func (p *Pipeline) RecordUserTurn(ctx context.Context, conversationID string, turn models.Turn) (*models.Message, error) {
	count, err := p.repo.MessageCount(ctx, conversationID)
	if err != nil {
		return nil, err
	}
	msg, err := p.repo.CreateMessage(ctx, conversationID, models.RoleUser, turn.Content, turn.Attachments)
	if err != nil {
		return nil, err
	}
	if count == 0 {
		if _, err := p.repo.UpdateConversationTitle(ctx, conversationID, DeriveTitle(turn.Content)); err != nil {
			return nil, fmt.Errorf("derive conversation title: %w", err)
		}
	}
	return msg, nil
}

// Run drives the relay for one request. Frames are handed to send as deltas
// arrive, with no batching; any error while iterating aborts the stream,
// already-sent frames stand, and nothing is persisted. On normal completion
// the assembled text is stored as an assistant message when the request
// carries a conversation id.
func (p *Pipeline) Run(ctx context.Context, req Request, send FrameFunc) (*models.Message, error) {
	if err := p.Validate(req); err != nil {
		return nil, err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()

	stream, err := p.gateway.Stream(ctx, req.Turns)
	if err != nil {
		return nil, err
	}
	defer stream.Close()

	var assembled strings.Builder
	for {
		delta, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			p.logger.Errorw("stream aborted", "conversation_id", req.ConversationID, "error", err)
			return nil, err
		}
		if delta == "" {
			continue
		}
		if err := send(Frame{Type: TextDelta, Value: delta}); err != nil {
			p.logger.Errorw("frame delivery failed", "conversation_id", req.ConversationID, "error", err)
			return nil, fmt.Errorf("write frame: %w", err)
		}
		assembled.WriteString(delta)
	}

	if req.ConversationID == "" {
		return nil, nil
	}
	msg, err := p.repo.CreateMessage(ctx, req.ConversationID, models.RoleAssistant, assembled.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("persist assistant message: %w", err)
	}
	return msg, nil
}

// DeriveTitle truncates content to the title length, appending an ellipsis
// marker when truncated.
func DeriveTitle(content string) string {
	runes := []rune(content)
	if len(runes) <= titleRuneLimit {
		return content
	}
	return string(runes[:titleRuneLimit]) + "..."
}
