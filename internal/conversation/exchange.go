// ABOUTME: Exchange is the handle for one send: state, completion, result, and cancellation
// ABOUTME: Completion is signalled once through a closed channel

package conversation

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// Result describes a settled exchange.
type Result struct {
	State State

	// Increments counts stream increments applied, not counting a fallback.
	Increments int

	// Failed is set when the fallback text was delivered.
	Failed bool

	// Cancelled is set when the exchange was cancelled before the stream ended.
	Cancelled bool

	// Err is informational: the failure cause or a persistence error.
	// The view is finalized either way.
	Err error
}

// Exchange tracks one in-flight send.
type Exchange struct {
	id             string
	conversationID string

	ctx    context.Context
	cancel context.CancelCauseFunc

	mu     sync.Mutex
	state  State
	result Result
	done   chan struct{}
}

func newExchange(parent context.Context, conversationID string) *Exchange {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Exchange{
		id:             id.String(),
		conversationID: conversationID,
		ctx:            ctx,
		cancel:         cancel,
		state:          StateIdle,
		done:           make(chan struct{}),
	}
}

// ID returns the exchange id.
func (e *Exchange) ID() string { return e.id }

// ConversationID returns the conversation the exchange belongs to.
func (e *Exchange) ConversationID() string { return e.conversationID }

// State returns the current state.
func (e *Exchange) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// Done is closed once the exchange has settled.
func (e *Exchange) Done() <-chan struct{} { return e.done }

// Wait blocks until the exchange settles or ctx ends.
func (e *Exchange) Wait(ctx context.Context) (Result, error) {
	select {
	case <-e.done:
		e.mu.Lock()
		defer e.mu.Unlock()
		return e.result, nil
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}
}

// Cancel aborts the exchange at its next suspension point. Increments
// already applied are kept and finalized. Cancelling a settled exchange does
// nothing.
func (e *Exchange) Cancel() {
	e.cancel(ErrCancelled)
}

func (e *Exchange) setState(s State) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = s
}

func (e *Exchange) settle(res Result) {
	e.mu.Lock()
	res.State = StateSettled
	e.state = StateSettled
	e.result = res
	e.mu.Unlock()

	e.cancel(nil)
	close(e.done)
}
