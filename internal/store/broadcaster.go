// ABOUTME: In-memory fan-out of conversation changes to watchers
// ABOUTME: Subscribers register per conversation id (or AllConversations) and receive Change values

package store

import (
	"context"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/2389/palladium/internal/chat"
)

// subscriberBufferSize is the channel buffer for each watcher.
const subscriberBufferSize = 64

// AllConversations subscribes to changes of every conversation.
const AllConversations = "*"

// ChangeKind says what happened to a conversation.
type ChangeKind string

const (
	ChangeView    ChangeKind = "view"    // in-memory view updated, not yet persisted
	ChangeSaved   ChangeKind = "saved"   // log written to the KV
	ChangeDeleted ChangeKind = "deleted" // conversation removed
	ChangeRenamed ChangeKind = "renamed" // display name changed
)

// Change is delivered to watchers of a conversation.
type Change struct {
	ConversationID string
	Kind           ChangeKind
	Messages       []chat.Message
}

// Broadcaster provides in-process pub/sub for conversation changes.
// Slow watchers lose changes instead of blocking the publisher.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan Change // conversationID -> subID -> ch
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]map[string]chan Change),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a watcher for id and returns its channel and
// subscription ID. The subscription ends when ctx is cancelled.
func (b *Broadcaster) Subscribe(ctx context.Context, id string) (<-chan Change, string) {
	subID := uuid.NewString()
	ch := make(chan Change, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[id]; !ok {
		b.subscribers[id] = make(map[string]chan Change)
	}
	b.subscribers[id][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("watcher added", "conversation_id", id, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(id, subID)
	}()

	return ch, subID
}

// Publish delivers c to watchers of c.ConversationID and of AllConversations,
// skipping excludeSubID when set. Never blocks.
func (b *Broadcaster) Publish(c Change, excludeSubID string) {
	// Hold the read lock across the sends so Unsubscribe cannot close a
	// channel underneath us; sends are non-blocking.
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, key := range []string{c.ConversationID, AllConversations} {
		for subID, ch := range b.subscribers[key] {
			if excludeSubID != "" && subID == excludeSubID {
				continue
			}
			select {
			case ch <- c:
			default:
				b.logger.Debug("dropped change for slow watcher",
					"conversation_id", c.ConversationID,
					"kind", c.Kind)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(id, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[id]
	if !ok {
		return
	}
	ch, ok := subs[subID]
	if !ok {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, id)
	}

	b.logger.Debug("watcher removed", "conversation_id", id, "sub_id", subID)
}

// Close closes every watcher channel.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for id, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, id)
	}
}
