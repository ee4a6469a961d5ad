// ABOUTME: Bounded TTL registry of send idempotency keys and the exchange each one started
// ABOUTME: Claims are atomic; the oldest key is evicted when the registry is full

package dedupe

import (
	"container/list"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often expired keys are swept.
const DefaultCleanupInterval = time.Minute

type entry struct {
	key     string
	value   string
	claimed time.Time
}

// Cache maps idempotency keys to the id of the exchange that claimed them.
// Entries expire after the TTL; the oldest claim is evicted at capacity.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List // *entry, oldest claim at front
	ttl     time.Duration
	maxSize int
	now     func() time.Time

	done      chan struct{}
	closeOnce sync.Once
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding at most maxSize keys for ttl each. A background
// sweep removes expired keys until Close is called.
func New(ttl time.Duration, maxSize int, opts ...Option) *Cache {
	if maxSize < 1 {
		maxSize = 1
	}
	c := &Cache{
		entries: make(map[string]*list.Element),
		order:   list.New(),
		ttl:     ttl,
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	go c.sweepLoop(DefaultCleanupInterval)
	return c
}

// Claim records key for value unless a live claim exists. It returns the
// value holding the key and whether this call claimed it.
func (c *Cache) Claim(key, value string) (holder string, claimed bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.liveLocked(key); ok {
		return e.value, false
	}

	if elem, ok := c.entries[key]; ok {
		// expired claim
		c.order.Remove(elem)
		delete(c.entries, key)
	}
	for len(c.entries) >= c.maxSize {
		c.evictOldestLocked()
	}

	c.entries[key] = c.order.PushBack(&entry{key: key, value: value, claimed: c.now()})
	return value, true
}

// Lookup returns the value holding key, if the claim is live.
func (c *Cache) Lookup(key string) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.liveLocked(key)
	if !ok {
		return "", false
	}
	return e.value, true
}

// Release drops the claim on key if value still holds it, so a send that
// never started can be retried with the same key.
func (c *Cache) Release(key, value string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.entries[key]
	if !ok || elem.Value.(*entry).value != value {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, key)
}

// Len returns the number of stored claims, expired ones included until swept.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) liveLocked(key string) (*entry, bool) {
	elem, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	e := elem.Value.(*entry)
	if c.now().Sub(e.claimed) >= c.ttl {
		return nil, false
	}
	return e, true
}

func (c *Cache) evictOldestLocked() {
	front := c.order.Front()
	if front == nil {
		return
	}
	c.order.Remove(front)
	delete(c.entries, front.Value.(*entry).key)
}

func (c *Cache) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep removes expired claims. Claims are ordered by time, so the walk stops
// at the first live one.
func (c *Cache) Sweep() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	for elem := c.order.Front(); elem != nil; {
		e := elem.Value.(*entry)
		if now.Sub(e.claimed) < c.ttl {
			return
		}
		next := elem.Next()
		c.order.Remove(elem)
		delete(c.entries, e.key)
		elem = next
	}
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}
