// ABOUTME: Streaming reconciler: folds text increments into the open assistant message
// ABOUTME: Finalization clears every streaming flag and persists the log once

package conversation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/2389/palladium/internal/chat"
	"github.com/2389/palladium/internal/store"
)

// persistTimeout bounds the final save, which runs detached from the
// exchange's context so a cancelled exchange still persists.
const persistTimeout = 5 * time.Second

// Store is what the engine needs from durable storage. Read returns an
// empty log for missing or malformed data and an error only when storage
// could not be read.
type Store interface {
	Read(ctx context.Context, id string) ([]chat.Message, error)
	Save(ctx context.Context, id string, msgs []chat.Message) error
}

// AppendIncrement returns msgs with increment appended to the streaming
// assistant message, or with a new streaming assistant message when none is
// open. msgs is not modified.
func AppendIncrement(msgs []chat.Message, increment string) []chat.Message {
	out := chat.Clone(msgs)
	if i := chat.OpenStream(out); i >= 0 {
		open := out[i].(chat.AssistantMessage)
		open.Content += increment
		out[i] = open
		return out
	}
	return append(out, chat.AssistantMessage{Content: increment, Streaming: true})
}

// SettleAll returns msgs with every streaming flag cleared. msgs is not
// modified.
func SettleAll(msgs []chat.Message) []chat.Message {
	out := chat.Clone(msgs)
	for i, m := range out {
		if a, ok := m.(chat.AssistantMessage); ok && a.Streaming {
			a.Streaming = false
			out[i] = a
		}
	}
	return out
}

// Reconciler applies increments to conversation views and finalizes them.
type Reconciler struct {
	store       Store
	actors      *actors
	broadcaster *store.Broadcaster
	logger      *slog.Logger
}

func newReconciler(st Store, a *actors, b *store.Broadcaster, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		store:       st,
		actors:      a,
		broadcaster: b,
		logger:      logger.With("component", "reconciler"),
	}
}

// Apply appends increment to the conversation's open assistant message.
// The view is published but not persisted.
func (r *Reconciler) Apply(ctx context.Context, id, increment string) error {
	var applyErr error
	err := r.actors.do(ctx, id, func(v *view) {
		applyErr = r.apply(ctx, id, v, increment)
	})
	if err != nil {
		return err
	}
	return applyErr
}

// Finalize clears streaming flags and persists the view. Calling it again
// on a settled view rewrites the same log.
func (r *Reconciler) Finalize(ctx context.Context, id string) error {
	var saveErr error
	err := r.actors.do(ctx, id, func(v *view) {
		saveErr = r.finalize(ctx, id, v)
	})
	if err != nil {
		return err
	}
	return saveErr
}

// hydrate loads the persisted log the first time a view is used. On a read
// error the view stays unloaded so nothing is written over unread data.
func (r *Reconciler) hydrate(ctx context.Context, id string, v *view) error {
	if v.loaded {
		return nil
	}
	// A cancelled caller must not leave an empty view behind
	msgs, err := r.store.Read(context.WithoutCancel(ctx), id)
	if err != nil {
		r.logger.Error("failed to load conversation",
			"conversation_id", id,
			"error", err)
		return fmt.Errorf("loading conversation: %w", err)
	}
	v.messages = msgs
	v.loaded = true
	return nil
}

// apply runs on the actor. It always patches the current view.
func (r *Reconciler) apply(ctx context.Context, id string, v *view, increment string) error {
	if err := r.hydrate(ctx, id, v); err != nil {
		return err
	}
	v.messages = AppendIncrement(v.messages, increment)
	v.gen++
	r.publish(id, store.ChangeView, v.messages)
	return nil
}

// finalize runs on the actor.
func (r *Reconciler) finalize(ctx context.Context, id string, v *view) error {
	if err := r.hydrate(ctx, id, v); err != nil {
		return err
	}
	v.messages = SettleAll(v.messages)
	v.gen++

	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	if err := r.store.Save(saveCtx, id, v.messages); err != nil {
		r.logger.Error("failed to persist finalized conversation",
			"conversation_id", id,
			"error", err)
		r.publish(id, store.ChangeView, v.messages)
		return fmt.Errorf("persisting conversation: %w", err)
	}

	r.logger.Debug("conversation finalized",
		"conversation_id", id,
		"messages", len(v.messages))
	return nil
}

func (r *Reconciler) publish(id string, kind store.ChangeKind, msgs []chat.Message) {
	if r.broadcaster == nil {
		return
	}
	r.broadcaster.Publish(store.Change{
		ConversationID: id,
		Kind:           kind,
		Messages:       chat.Clone(msgs),
	}, "")
}
