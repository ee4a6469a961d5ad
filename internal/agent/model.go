// ABOUTME: Model backends: langchaingo OpenAI streaming and a local echo model
// ABOUTME: Each backend streams reply chunks through a callback and returns the full text

package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/openai"
	"github.com/tmc/langchaingo/schema"

	"github.com/2389/palladium/internal/chat"
	"github.com/2389/palladium/internal/config"
)

// ErrNoChoices is returned when the model produced no completion.
var ErrNoChoices = errors.New("model returned no choices")

// Model streams a reply to a conversation.
type Model interface {
	// Stream calls onChunk for each piece of the reply in order. An error from
	// onChunk stops generation and is returned.
	Stream(ctx context.Context, history []chat.Message, onChunk func(string) error) (string, error)
}

// NewModel builds the backend named in cfg.
func NewModel(cfg config.ModelConfig) (Model, error) {
	switch cfg.Provider {
	case config.ProviderOpenAI:
		return NewOpenAIModel(cfg)
	case config.ProviderEcho, "":
		return &EchoModel{}, nil
	default:
		return nil, fmt.Errorf("unknown model provider %q", cfg.Provider)
	}
}

// OpenAIModel talks to an OpenAI-compatible chat endpoint.
type OpenAIModel struct {
	llm          llms.Model
	systemPrompt string
}

// NewOpenAIModel creates an OpenAI model. Without an API key the client
// falls back to OPENAI_API_KEY.
func NewOpenAIModel(cfg config.ModelConfig) (*OpenAIModel, error) {
	opts := []openai.Option{openai.WithModel(cfg.Name)}
	if cfg.APIKey != "" {
		opts = append(opts, openai.WithToken(cfg.APIKey))
	}
	if cfg.BaseURL != "" {
		opts = append(opts, openai.WithBaseURL(cfg.BaseURL))
	}

	llm, err := openai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("creating openai client: %w", err)
	}
	return &OpenAIModel{llm: llm, systemPrompt: cfg.SystemPrompt}, nil
}

// Stream implements Model.
func (m *OpenAIModel) Stream(ctx context.Context, history []chat.Message, onChunk func(string) error) (string, error) {
	resp, err := m.llm.GenerateContent(ctx, toMessageContent(m.systemPrompt, history),
		llms.WithStreamingFunc(func(_ context.Context, chunk []byte) error {
			return onChunk(string(chunk))
		}),
	)
	if err != nil {
		return "", fmt.Errorf("generating content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrNoChoices
	}
	return resp.Choices[0].Content, nil
}

// toMessageContent maps conversation history onto langchaingo chat messages.
func toMessageContent(systemPrompt string, history []chat.Message) []llms.MessageContent {
	content := make([]llms.MessageContent, 0, len(history)+1)
	if systemPrompt != "" {
		content = append(content, llms.TextParts(schema.ChatMessageTypeSystem, systemPrompt))
	}
	for _, msg := range history {
		var role schema.ChatMessageType
		switch msg.Role() {
		case chat.RoleUser:
			role = schema.ChatMessageTypeHuman
		case chat.RoleAssistant:
			role = schema.ChatMessageTypeAI
		case chat.RoleSystem:
			role = schema.ChatMessageTypeSystem
		default:
			continue
		}
		content = append(content, llms.TextParts(role, msg.Text()))
	}
	return content
}

// EchoModel repeats the last user message one word at a time.
type EchoModel struct {
	// Delay is slept between chunks.
	Delay time.Duration
}

// Stream implements Model.
func (m *EchoModel) Stream(ctx context.Context, history []chat.Message, onChunk func(string) error) (string, error) {
	last := ""
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role() == chat.RoleUser {
			last = history[i].Text()
			break
		}
	}

	reply := "You said: " + last
	words := strings.SplitAfter(reply, " ")
	for i, word := range words {
		if i > 0 && m.Delay > 0 {
			select {
			case <-time.After(m.Delay):
			case <-ctx.Done():
				return "", ctx.Err()
			}
		}
		if err := onChunk(word); err != nil {
			return "", err
		}
	}
	return reply, nil
}
