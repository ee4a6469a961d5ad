// ABOUTME: Conversation id generation and creation-time recovery
// ABOUTME: New ids are UUIDv7 (time-ordered, monotonic in-process); legacy ids are epoch milliseconds

package store

import (
	"strconv"
	"time"

	"github.com/google/uuid"
)

// NewConversationID returns a time-ordered id. Successive calls in one
// process never collide and sort in creation order.
func NewConversationID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does
		return uuid.NewString()
	}
	return id.String()
}

// IDTime recovers the creation time encoded in a conversation id.
// It understands UUIDv7 ids and legacy decimal millisecond timestamps.
func IDTime(id string) (time.Time, bool) {
	if ms, err := strconv.ParseInt(id, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms), true
	}

	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}

	// The first 48 bits of a v7 UUID are a big-endian unix millisecond timestamp
	var ms int64
	for _, b := range u[:6] {
		ms = ms<<8 | int64(b)
	}
	return time.UnixMilli(ms), true
}
