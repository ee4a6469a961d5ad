// ABOUTME: Keeps per-conversation model history and streams replies as Response events
// ABOUTME: Records upload notes and file context as system messages in the history

package agent

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/2389/palladium/internal/chat"
)

// SendRequest is one user turn for the model.
type SendRequest struct {
	ConversationID string
	Content        string

	// FileContext, when set, is added as a system message after the turn.
	FileContext string
}

// Response is an event in a reply stream.
type Response struct {
	Event ResponseEvent
	Text  string
	Error string
	Done  bool
}

// ResponseEvent indicates the type of response event.
type ResponseEvent int

const (
	EventText ResponseEvent = iota
	EventDone
	EventError
)

// Manager owns conversation histories and runs turns against a model.
type Manager struct {
	model  Model
	mu     sync.RWMutex
	convs  map[string][]chat.Message
	logger *slog.Logger
}

// NewManager creates a new Manager instance.
func NewManager(model Model, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		model:  model,
		convs:  make(map[string][]chat.Message),
		logger: logger.With("component", "agent"),
	}
}

// History returns a copy of a conversation's history.
func (m *Manager) History(conversationID string) []chat.Message {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return chat.Clone(m.convs[conversationID])
}

// RecordUpload notes uploaded files in the conversation history.
func (m *Manager) RecordUpload(conversationID string, names []string) {
	if len(names) == 0 {
		return
	}
	m.append(conversationID, chat.SystemMessage{
		Content: "User uploaded files: " + strings.Join(names, ", "),
		Files:   append([]string{}, names...),
	})
}

func (m *Manager) append(conversationID string, msgs ...chat.Message) []chat.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.convs[conversationID] = append(m.convs[conversationID], msgs...)
	return chat.Clone(m.convs[conversationID])
}

// SendMessage adds the turn to the history and streams the model's reply.
// The channel ends with EventDone or EventError and is then closed. The reply
// is added to the history once the model finishes.
func (m *Manager) SendMessage(ctx context.Context, req *SendRequest) (<-chan *Response, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("conversation_id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content is required")
	}

	turn := []chat.Message{chat.UserMessage{Content: req.Content}}
	if req.FileContext != "" {
		turn = append(turn, chat.SystemMessage{Content: req.FileContext})
	}
	history := m.append(req.ConversationID, turn...)

	m.logger.Debug("running turn",
		"conversation_id", req.ConversationID,
		"history", len(history))

	out := make(chan *Response, 16)
	go m.run(ctx, req.ConversationID, history, out)
	return out, nil
}

func (m *Manager) run(ctx context.Context, conversationID string, history []chat.Message, out chan<- *Response) {
	defer close(out)

	var reply strings.Builder
	_, err := m.model.Stream(ctx, history, func(chunk string) error {
		if chunk == "" {
			return nil
		}
		reply.WriteString(chunk)
		select {
		case out <- &Response{Event: EventText, Text: chunk}:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	// A failed turn with no text leaves no assistant entry behind
	if reply.Len() > 0 || err == nil {
		m.append(conversationID, chat.AssistantMessage{Content: reply.String()})
	}

	final := &Response{Event: EventDone, Text: reply.String(), Done: true}
	if err != nil {
		m.logger.Error("model failed",
			"conversation_id", conversationID,
			"error", err)
		final = &Response{Event: EventError, Error: err.Error(), Done: true}
	}

	select {
	case out <- final:
	case <-ctx.Done():
	}
}
