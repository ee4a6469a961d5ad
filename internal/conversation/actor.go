// ABOUTME: Per-conversation actors that serialize every read-modify-write of a view
// ABOUTME: Each conversation id gets one goroutine; different ids run in parallel

package conversation

import (
	"context"
	"errors"
	"sync"

	"github.com/2389/palladium/internal/chat"
)

// view is the in-memory state of one conversation. Only its actor touches it.
type view struct {
	messages []chat.Message
	loaded   bool

	// gen increases on every local mutation; reads started under an older
	// generation are discarded
	gen uint64

	reads    map[uint64]context.CancelFunc
	nextRead uint64

	active *Exchange
}

// errEvicted is returned by an actor that was removed from the registry.
// actors.do retries on a fresh actor.
var errEvicted = errors.New("conversation actor evicted")

type actor struct {
	ops  chan func(*view)
	quit <-chan struct{}

	// stop is closed from inside an op when the actor is evicted
	stop chan struct{}
}

func (a *actor) loop(wg *sync.WaitGroup) {
	defer wg.Done()

	v := &view{reads: make(map[uint64]context.CancelFunc)}
	for {
		select {
		case <-a.stop:
			return
		default:
		}

		select {
		case op := <-a.ops:
			op(v)
		case <-a.quit:
			return
		}
	}
}

// do runs op on the actor and waits for it. ops is unbuffered, so an accepted
// op always runs to completion.
func (a *actor) do(ctx context.Context, op func(*view)) error {
	done := make(chan struct{})
	wrapped := func(v *view) {
		defer close(done)
		op(v)
	}

	select {
	case a.ops <- wrapped:
	case <-ctx.Done():
		return ctx.Err()
	case <-a.quit:
		return ErrClosed
	case <-a.stop:
		return errEvicted
	}
	<-done
	return nil
}

// actors lazily starts one actor per conversation id.
type actors struct {
	mu     sync.Mutex
	byID   map[string]*actor
	quit   chan struct{}
	closed bool
	wg     sync.WaitGroup
}

func newActors() *actors {
	return &actors{
		byID: make(map[string]*actor),
		quit: make(chan struct{}),
	}
}

func (r *actors) get(id string) *actor {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a, ok := r.byID[id]; ok {
		return a
	}
	a := &actor{ops: make(chan func(*view)), quit: r.quit, stop: make(chan struct{})}
	if !r.closed {
		r.wg.Add(1)
		go a.loop(&r.wg)
	}
	r.byID[id] = a
	return a
}

// do runs op on the actor for id, moving to a new actor if the current one
// is evicted before it accepts op.
func (r *actors) do(ctx context.Context, id string, op func(*view)) error {
	for {
		err := r.get(id).do(ctx, op)
		if !errors.Is(err, errEvicted) {
			return err
		}
	}
}

// evict runs op on id's actor and then stops the actor and drops its view
// if op returns true. Unknown ids are a no-op.
func (r *actors) evict(ctx context.Context, id string, op func(*view) bool) error {
	r.mu.Lock()
	a, ok := r.byID[id]
	r.mu.Unlock()
	if !ok {
		return nil
	}

	err := a.do(ctx, func(v *view) {
		if !op(v) {
			return
		}
		r.mu.Lock()
		if r.byID[id] == a {
			delete(r.byID, id)
		}
		r.mu.Unlock()
		close(a.stop)
	})
	if errors.Is(err, errEvicted) {
		return nil
	}
	return err
}

// len reports how many actors are registered.
func (r *actors) len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byID)
}

// close stops every actor and waits for them to exit.
func (r *actors) close() {
	r.mu.Lock()
	if !r.closed {
		r.closed = true
		close(r.quit)
	}
	r.mu.Unlock()
	r.wg.Wait()
}
