package pipeline

import (
	"fmt"
	"sync"
	"time"

	"swiftchat/internal/domain"
)

// idempotencyCache collapses duplicate submissions carrying the same client
// token into one persisted message. Entries live for a bounded window and
// are swept lazily on access.
type idempotencyCache struct {
	mu      sync.Mutex
	window  time.Duration
	entries map[string]idempotencyEntry
	lastGC  time.Time
}

type idempotencyEntry struct {
	msg     *domain.Message
	expires time.Time
}

func newIdempotencyCache(window time.Duration) *idempotencyCache {
	return &idempotencyCache{
		window:  window,
		entries: make(map[string]idempotencyEntry),
		lastGC:  time.Now(),
	}
}

// key scopes tokens per sender so two users may reuse the same token value.
func idempotencyKey(senderID int64, token string) string {
	return fmt.Sprintf("%d:%s", senderID, token)
}

// lookup returns the message recorded for the token, if still inside the
// window.
func (c *idempotencyCache) lookup(senderID int64, token string) (*domain.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sweepLocked()

	e, ok := c.entries[idempotencyKey(senderID, token)]
	if !ok || time.Now().After(e.expires) {
		return nil, false
	}
	return e.msg, true
}

func (c *idempotencyCache) record(senderID int64, token string, msg *domain.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[idempotencyKey(senderID, token)] = idempotencyEntry{
		msg:     msg,
		expires: time.Now().Add(c.window),
	}
}

// sweepLocked drops expired entries at most once per window.
func (c *idempotencyCache) sweepLocked() {
	now := time.Now()
	if now.Sub(c.lastGC) < c.window {
		return
	}
	c.lastGC = now
	for k, e := range c.entries {
		if now.After(e.expires) {
			delete(c.entries, k)
		}
	}
}
