// ABOUTME: Conversation store: fail-soft load and full-overwrite save of message logs over a KV
// ABOUTME: Also lists, creates, renames, and deletes conversations and publishes changes to watchers

package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/2389/palladium/internal/chat"
)

// KeyPrefix prefixes every conversation key in the KV.
const KeyPrefix = "chat_"

// Key derives the KV key for a conversation id.
func Key(id string) string {
	return KeyPrefix + id
}

// Summary describes a stored conversation for listings.
type Summary struct {
	ID        string
	Name      string
	CreatedAt time.Time // zero when the id encodes no time
	Messages  int
}

// Title returns the name, falling back to the creation time and then the id.
func (s Summary) Title() string {
	if s.Name != "" {
		return s.Name
	}
	if !s.CreatedAt.IsZero() {
		return "Chat " + s.CreatedAt.Local().Format("2006-01-02 15:04:05")
	}
	return s.ID
}

// Conversations is the conversation store.
type Conversations struct {
	kv          KV
	broadcaster *Broadcaster
	logger      *slog.Logger

	// mu serializes read-then-write sequences (name preservation, rename)
	mu sync.Mutex
}

// NewConversations creates a conversation store over kv. A nil broadcaster
// gets a private one.
func NewConversations(kv KV, broadcaster *Broadcaster, logger *slog.Logger) *Conversations {
	if logger == nil {
		logger = slog.Default()
	}
	if broadcaster == nil {
		broadcaster = NewBroadcaster(logger)
	}
	return &Conversations{
		kv:          kv,
		broadcaster: broadcaster,
		logger:      logger.With("component", "conversations"),
	}
}

// Broadcaster returns the broadcaster changes are published on.
func (c *Conversations) Broadcaster() *Broadcaster {
	return c.broadcaster
}

// Load returns the persisted log for id. It never fails: missing,
// malformed or unreadable data loads as an empty log.
func (c *Conversations) Load(ctx context.Context, id string) []chat.Message {
	msgs, err := c.Read(ctx, id)
	if err != nil {
		c.logger.Warn("conversation read failed, starting empty",
			"conversation_id", id,
			"error", err)
		return []chat.Message{}
	}
	return msgs
}

// Read returns the persisted log for id. Missing or malformed data reads as
// an empty log; an error means the medium itself could not be read and the
// stored log may still exist.
func (c *Conversations) Read(ctx context.Context, id string) ([]chat.Message, error) {
	doc, err := c.loadDocument(ctx, id)
	switch {
	case err == nil:
		return doc.Messages, nil
	case errors.Is(err, ErrNotFound):
		c.logger.Debug("conversation not found, starting empty", "conversation_id", id)
		return []chat.Message{}, nil
	case errors.Is(err, errMalformed):
		c.logger.Warn("unreadable conversation, starting empty",
			"conversation_id", id,
			"error", err)
		return []chat.Message{}, nil
	default:
		return nil, fmt.Errorf("reading conversation %s: %w", id, err)
	}
}

// errMalformed marks stored data that could not be decoded.
var errMalformed = errors.New("malformed conversation")

func (c *Conversations) loadDocument(ctx context.Context, id string) (chat.Document, error) {
	data, err := c.kv.Get(ctx, Key(id))
	if err != nil {
		return chat.Document{}, err
	}
	doc, err := chat.DecodeDocument(data)
	if err != nil {
		return chat.Document{}, fmt.Errorf("%w: %w", errMalformed, err)
	}
	if doc.Messages == nil {
		doc.Messages = []chat.Message{}
	}
	return doc, nil
}

// Save replaces the persisted log for id with msgs. The caller supplies the
// complete sequence. A stored display name is kept.
func (c *Conversations) Save(ctx context.Context, id string, msgs []chat.Message) error {
	if id == "" {
		return fmt.Errorf("conversation id is required")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	name := ""
	existing, err := c.loadDocument(ctx, id)
	switch {
	case err == nil:
		name = existing.Name
	case errors.Is(err, ErrNotFound), errors.Is(err, errMalformed):
	default:
		return fmt.Errorf("reading conversation %s: %w", id, err)
	}

	if err := c.write(ctx, id, chat.Document{Name: name, Messages: msgs}); err != nil {
		return err
	}

	c.broadcaster.Publish(Change{
		ConversationID: id,
		Kind:           ChangeSaved,
		Messages:       chat.Clone(msgs),
	}, "")
	return nil
}

func (c *Conversations) write(ctx context.Context, id string, doc chat.Document) error {
	data, err := chat.EncodeDocument(doc)
	if err != nil {
		return fmt.Errorf("encoding conversation %s: %w", id, err)
	}
	if err := c.kv.Set(ctx, Key(id), data); err != nil {
		return fmt.Errorf("saving conversation %s: %w", id, err)
	}
	c.logger.Debug("conversation saved",
		"conversation_id", id,
		"messages", len(doc.Messages))
	return nil
}

// Create stores a new empty conversation. An empty name gets a default
// derived from the creation time.
func (c *Conversations) Create(ctx context.Context, name string) (Summary, error) {
	id := NewConversationID()
	created, _ := IDTime(id)

	name = strings.TrimSpace(name)
	if name == "" {
		name = "Chat " + created.Local().Format("2006-01-02 15:04:05")
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.write(ctx, id, chat.Document{Name: name, Messages: []chat.Message{}}); err != nil {
		return Summary{}, err
	}

	c.logger.Info("conversation created", "conversation_id", id, "name", name)
	return Summary{ID: id, Name: name, CreatedAt: created}, nil
}

// Rename sets the display name of an existing conversation.
func (c *Conversations) Rename(ctx context.Context, id, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	doc, err := c.loadDocument(ctx, id)
	if errors.Is(err, ErrNotFound) {
		return ErrNotFound
	}
	if err != nil {
		// Keep the name even if the old log was unreadable
		doc = chat.Document{Messages: []chat.Message{}}
	}
	doc.Name = strings.TrimSpace(name)

	if err := c.write(ctx, id, doc); err != nil {
		return err
	}
	c.broadcaster.Publish(Change{ConversationID: id, Kind: ChangeRenamed, Messages: chat.Clone(doc.Messages)}, "")
	return nil
}

// Delete removes a conversation.
func (c *Conversations) Delete(ctx context.Context, id string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.kv.Delete(ctx, Key(id)); err != nil {
		return fmt.Errorf("deleting conversation %s: %w", id, err)
	}
	c.broadcaster.Publish(Change{ConversationID: id, Kind: ChangeDeleted}, "")
	return nil
}

// List returns every stored conversation, newest first.
func (c *Conversations) List(ctx context.Context) ([]Summary, error) {
	keys, err := c.kv.Keys(ctx, KeyPrefix)
	if err != nil {
		return nil, fmt.Errorf("listing conversations: %w", err)
	}

	summaries := make([]Summary, 0, len(keys))
	for _, key := range keys {
		id := strings.TrimPrefix(key, KeyPrefix)
		s := Summary{ID: id}
		s.CreatedAt, _ = IDTime(id)

		if doc, err := c.loadDocument(ctx, id); err == nil {
			s.Name = doc.Name
			s.Messages = len(doc.Messages)
		}
		summaries = append(summaries, s)
	}

	sort.SliceStable(summaries, func(i, j int) bool {
		a, b := summaries[i], summaries[j]
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.After(b.CreatedAt)
		}
		return a.ID > b.ID
	})
	return summaries, nil
}

// Watch streams changes for id until ctx is cancelled.
func (c *Conversations) Watch(ctx context.Context, id string) <-chan Change {
	ch, _ := c.broadcaster.Subscribe(ctx, id)
	return ch
}
