// ABOUTME: Optimistic mutation controller: appends and persists the user turn, then streams the reply
// ABOUTME: Owns per-conversation views, read cancellation, idempotency keys, and exchange lifecycles

package conversation

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/2389/palladium/internal/chat"
	"github.com/2389/palladium/internal/client"
	"github.com/2389/palladium/internal/dedupe"
	"github.com/2389/palladium/internal/sse"
	"github.com/2389/palladium/internal/store"
)

// DefaultFallbackText is delivered as the assistant reply when a stream fails.
const DefaultFallbackText = "Error processing your message."

const (
	defaultDedupeTTL  = 10 * time.Minute
	defaultDedupeSize = 1000
)

var (
	// ErrSendInFlight is returned when a conversation already has a send running.
	ErrSendInFlight = errors.New("a send is already in flight for this conversation")

	// ErrDuplicateSend is returned when an idempotency key was already used.
	ErrDuplicateSend = errors.New("duplicate send")

	// ErrCancelled is the cause recorded when an exchange is cancelled.
	ErrCancelled = errors.New("exchange cancelled")

	// ErrIdleTimeout is the cause recorded when a stream stops producing increments.
	ErrIdleTimeout = errors.New("stream idle timeout")

	// ErrClosed is returned once the service has been closed.
	ErrClosed = errors.New("conversation service closed")
)

// Transport is what the engine needs from the assistant service.
type Transport interface {
	Stream(ctx context.Context, req client.StreamRequest) (io.ReadCloser, error)
	Upload(ctx context.Context, conversationID string, files []client.File) ([]string, error)
}

// Config tunes a Service. Zero values take defaults.
type Config struct {
	// IdleTimeout aborts a stream that produces no increment for this long.
	// Zero disables it.
	IdleTimeout   time.Duration
	FallbackText  string
	MaxRecordSize int
	DedupeTTL     time.Duration
	DedupeSize    int
}

// SendRequest is one user turn.
type SendRequest struct {
	ConversationID string
	Content        string
	Attachments    []client.File

	// IdempotencyKey, when set, rejects a repeat of the same turn.
	IdempotencyKey string
}

// Service is the optimistic mutation controller.
type Service struct {
	store      Store
	transport  Transport
	reconciler *Reconciler
	actors     *actors
	keys       *dedupe.Cache
	cfg        Config
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	// mu guards closed and wg.Add
	mu     sync.Mutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures a Service.
type Option func(*serviceOptions)

type serviceOptions struct {
	broadcaster *store.Broadcaster
}

// WithBroadcaster publishes view changes on b.
func WithBroadcaster(b *store.Broadcaster) Option {
	return func(o *serviceOptions) { o.broadcaster = b }
}

// New creates a Service.
func New(st Store, tr Transport, cfg Config, logger *slog.Logger, opts ...Option) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	if cfg.FallbackText == "" {
		cfg.FallbackText = DefaultFallbackText
	}
	if cfg.MaxRecordSize <= 0 {
		cfg.MaxRecordSize = sse.DefaultMaxRecordSize
	}
	if cfg.DedupeTTL <= 0 {
		cfg.DedupeTTL = defaultDedupeTTL
	}
	if cfg.DedupeSize <= 0 {
		cfg.DedupeSize = defaultDedupeSize
	}

	logger = logger.With("component", "conversation")
	a := newActors()
	ctx, cancel := context.WithCancelCause(context.Background())

	return &Service{
		store:      st,
		transport:  tr,
		reconciler: newReconciler(st, a, o.broadcaster, logger),
		actors:     a,
		keys:       dedupe.New(cfg.DedupeTTL, cfg.DedupeSize),
		cfg:        cfg,
		logger:     logger,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Reconciler returns the service's reconciler.
func (s *Service) Reconciler() *Reconciler {
	return s.reconciler
}

// Send applies the user turn optimistically and starts the exchange. When it
// returns without error the user message is persisted.
func (s *Service) Send(ctx context.Context, req SendRequest) (*Exchange, error) {
	if req.ConversationID == "" {
		return nil, fmt.Errorf("conversation id is required")
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, fmt.Errorf("content is required")
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	started := false
	defer func() {
		if !started {
			s.wg.Done()
		}
	}()

	ex := newExchange(s.ctx, req.ConversationID)
	ex.setState(StateMutating)

	if req.IdempotencyKey != "" {
		if holder, claimed := s.keys.Claim(req.IdempotencyKey, ex.ID()); !claimed {
			return nil, fmt.Errorf("%w: key %s belongs to exchange %s", ErrDuplicateSend, req.IdempotencyKey, holder)
		}
	}

	id := req.ConversationID
	names := client.Names(req.Attachments)

	var mutateErr error
	err := s.actors.do(ctx, id, func(v *view) {
		if v.active != nil {
			mutateErr = ErrSendInFlight
			return
		}
		if err := s.reconciler.hydrate(ctx, id, v); err != nil {
			mutateErr = err
			return
		}

		// A stale read must not land after the append
		for readID, cancel := range v.reads {
			cancel()
			delete(v.reads, readID)
		}

		previous := v.messages
		user := chat.UserMessage{Content: req.Content}
		if len(names) > 0 {
			user.Attachments = names
		}
		// No stream is open here, so any streaming flag is left over from an
		// interrupted run.
		next := append(SettleAll(previous), user)

		if err := s.store.Save(ctx, id, next); err != nil {
			mutateErr = fmt.Errorf("persisting user message: %w", err)
			return
		}

		v.messages = next
		v.gen++
		v.active = ex
		s.reconciler.publish(id, store.ChangeView, v.messages)
	})
	if err == nil {
		err = mutateErr
	}
	if err != nil {
		if req.IdempotencyKey != "" {
			s.keys.Release(req.IdempotencyKey, ex.ID())
		}
		ex.cancel(err)
		return nil, err
	}

	s.logger.Debug("user message recorded",
		"conversation_id", id,
		"exchange_id", ex.ID(),
		"attachments", len(names))

	ex.setState(StateSending)
	started = true
	go s.run(ex, req)

	return ex, nil
}

// run drives the network side of an exchange and always settles it.
func (s *Service) run(ex *Exchange, req SendRequest) {
	defer s.wg.Done()

	id := ex.conversationID
	logger := s.logger.With("conversation_id", id, "exchange_id", ex.ID())

	if len(req.Attachments) > 0 && ex.ctx.Err() == nil {
		s.upload(ex, req.Attachments, logger)
	}

	var res Result
	streamErr := s.stream(ex, req, &res)

	switch {
	case ex.ctx.Err() != nil && !errors.Is(streamErr, ErrIdleTimeout):
		res.Cancelled = true
		res.Err = context.Cause(ex.ctx)
		logger.Info("exchange cancelled", "increments", res.Increments)

	case streamErr != nil:
		logger.Warn("stream failed, delivering fallback",
			"error", streamErr,
			"increments", res.Increments)
		ex.setState(StateFailed)
		res.Failed = true
		res.Err = streamErr
		if err := s.reconciler.Apply(context.Background(), id, s.cfg.FallbackText); err != nil {
			logger.Error("failed to apply fallback", "error", err)
		}
	}

	var saveErr error
	err := s.actors.do(context.Background(), id, func(v *view) {
		saveErr = s.reconciler.finalize(s.ctx, id, v)
		if v.active == ex {
			v.active = nil
		}
	})
	if err == nil {
		err = saveErr
	}
	if err != nil {
		res.Err = errors.Join(res.Err, err)
	}

	logger.Debug("exchange settled",
		"increments", res.Increments,
		"failed", res.Failed,
		"cancelled", res.Cancelled)
	ex.settle(res)
}

// upload sends attachments ahead of the turn. A failure is recorded in the
// conversation and the send goes on.
func (s *Service) upload(ex *Exchange, files []client.File, logger *slog.Logger) {
	stored, err := s.transport.Upload(ex.ctx, ex.conversationID, files)
	if err == nil {
		logger.Debug("attachments uploaded", "files", stored)
		return
	}
	if ex.ctx.Err() != nil {
		return
	}

	logger.Warn("attachment upload failed", "error", err)
	note := chat.AttachmentFailureNote(client.Names(files))
	var hydrateErr error
	doErr := s.actors.do(context.Background(), ex.conversationID, func(v *view) {
		if hydrateErr = s.reconciler.hydrate(context.Background(), ex.conversationID, v); hydrateErr != nil {
			return
		}
		v.messages = append(chat.Clone(v.messages), note)
		v.gen++
		s.reconciler.publish(ex.conversationID, store.ChangeView, v.messages)
	})
	if doErr == nil {
		doErr = hydrateErr
	}
	if doErr != nil {
		logger.Error("failed to record upload failure", "error", doErr)
	}
}

// stream opens the reply and feeds increments to the reconciler. It returns
// nil on a clean end and the failure cause otherwise.
func (s *Service) stream(ex *Exchange, req SendRequest, res *Result) error {
	ctx, cancel := context.WithCancelCause(ex.ctx)
	defer cancel(nil)

	body, err := s.transport.Stream(ctx, client.StreamRequest{
		ConversationID: ex.conversationID,
		Content:        req.Content,
		WithFiles:      len(req.Attachments) > 0,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		return err
	}
	defer body.Close()

	// Unblock a pending read when the exchange is cancelled or goes idle
	stop := context.AfterFunc(ctx, func() { body.Close() })
	defer stop()

	ex.setState(StateStreaming)

	var idle *time.Timer
	if s.cfg.IdleTimeout > 0 {
		idle = time.AfterFunc(s.cfg.IdleTimeout, func() { cancel(ErrIdleTimeout) })
		defer idle.Stop()
	}

	var readErr error
	for increment, err := range sse.Increments(body, sse.WithMaxRecordSize(s.cfg.MaxRecordSize)) {
		if err != nil {
			readErr = err
			break
		}
		if ctx.Err() != nil {
			break
		}
		if idle != nil {
			idle.Reset(s.cfg.IdleTimeout)
		}
		if err := s.reconciler.Apply(context.Background(), ex.conversationID, increment); err != nil {
			return err
		}
		res.Increments++
	}

	if ctx.Err() != nil {
		return context.Cause(ctx)
	}
	return readErr
}

// Snapshot returns the current view of a conversation, loading it from
// storage on first use.
func (s *Service) Snapshot(ctx context.Context, id string) ([]chat.Message, error) {
	var out []chat.Message
	var hydrateErr error
	err := s.actors.do(ctx, id, func(v *view) {
		if hydrateErr = s.reconciler.hydrate(ctx, id, v); hydrateErr != nil {
			return
		}
		out = chat.Clone(v.messages)
	})
	if err == nil {
		err = hydrateErr
	}
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Refresh re-reads durable storage and replaces the view with it. A read
// overtaken by a local mutation, or one that lands while a send is in flight,
// leaves the view alone. Either way the current view is returned. A storage
// read error is returned as an error.
func (s *Service) Refresh(ctx context.Context, id string) ([]chat.Message, error) {
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var readID, gen uint64
	err := s.actors.do(ctx, id, func(v *view) {
		v.nextRead++
		readID = v.nextRead
		v.reads[readID] = cancel
		gen = v.gen
	})
	if err != nil {
		return nil, err
	}

	loaded, readErr := s.store.Read(readCtx, id)

	var out []chat.Message
	var hydrateErr error
	err = s.actors.do(context.WithoutCancel(ctx), id, func(v *view) {
		_, registered := v.reads[readID]
		delete(v.reads, readID)

		if !registered || readErr != nil || readCtx.Err() != nil || v.gen != gen || v.active != nil {
			if hydrateErr = s.reconciler.hydrate(ctx, id, v); hydrateErr != nil {
				return
			}
			out = chat.Clone(v.messages)
			return
		}

		v.messages = loaded
		v.loaded = true
		s.reconciler.publish(id, store.ChangeView, v.messages)
		out = chat.Clone(v.messages)
	})
	if err == nil {
		err = hydrateErr
	}
	if err != nil {
		return nil, err
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if readErr != nil && readCtx.Err() == nil {
		return nil, fmt.Errorf("refreshing conversation: %w", readErr)
	}
	return out, nil
}

// Forget drops the cached view of a conversation and stops its actor, so
// the next use reloads from storage. It fails with ErrSendInFlight while an
// exchange is running on the conversation.
func (s *Service) Forget(ctx context.Context, id string) error {
	var busy bool
	err := s.actors.evict(ctx, id, func(v *view) bool {
		if v.active != nil {
			busy = true
			return false
		}
		for readID, cancel := range v.reads {
			cancel()
			delete(v.reads, readID)
		}
		return true
	})
	if err != nil {
		return err
	}
	if busy {
		return ErrSendInFlight
	}
	s.logger.Debug("conversation view dropped", "conversation_id", id)
	return nil
}

// Close cancels every exchange, waits for them to settle, and stops the
// actors.
func (s *Service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel(ErrClosed)
	s.wg.Wait()
	s.actors.close()
	s.keys.Close()
	return nil
}
