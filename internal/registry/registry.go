// Package registry tracks live duplex connections per user. It is the single
// owner of connection handles; presence is derived from its occupancy
// transitions.
package registry

import (
	"errors"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"swiftchat/internal/protocol"
)

// Delivery failures reported by handles. Both are non-fatal to fan-out.
var (
	ErrHandleClosed = errors.New("connection handle closed")
	ErrSlowConsumer = errors.New("outbound queue overflow")
)

// Handle is a live connection owned by the registry. Deliver must be
// non-blocking and safe to call after the connection has closed, in which
// case it reports ErrHandleClosed.
type Handle interface {
	ID() string
	UserID() int64
	OpenedAt() time.Time
	Deliver(f *protocol.Frame) error
}

// Transition describes a change in a user's connection count.
type Transition struct {
	UserID int64
	Delta  int
	Count  int
}

// TransitionFunc consumes registry transitions. It is invoked after the
// shard lock is released, so concurrent transitions for one user may arrive
// out of order; consumers needing the authoritative occupancy must re-check
// Count.
type TransitionFunc func(t Transition)

const shardCount = 64

type shard struct {
	mu    sync.RWMutex
	users map[int64]map[string]Handle
}

// Registry maps user ids to their live connection handles. Locking is
// striped per user so unrelated users never contend.
type Registry struct {
	shards       [shardCount]*shard
	onTransition TransitionFunc
}

func New(onTransition TransitionFunc) *Registry {
	r := &Registry{onTransition: onTransition}
	for i := range r.shards {
		r.shards[i] = &shard{users: make(map[int64]map[string]Handle)}
	}
	return r
}

func (r *Registry) shardFor(userID int64) *shard {
	h := fnv.New32a()
	h.Write([]byte(strconv.FormatInt(userID, 10)))
	return r.shards[h.Sum32()%shardCount]
}

// Register adds a handle under its user id.
func (r *Registry) Register(h Handle) {
	s := r.shardFor(h.UserID())
	s.mu.Lock()
	conns := s.users[h.UserID()]
	if conns == nil {
		conns = make(map[string]Handle)
		s.users[h.UserID()] = conns
	}
	conns[h.ID()] = h
	count := len(conns)
	fn := r.onTransition
	s.mu.Unlock()

	if fn != nil {
		fn(Transition{UserID: h.UserID(), Delta: +1, Count: count})
	}
}

// Unregister removes a handle. Removing a handle that is not present is a
// no-op: no error, no transition.
func (r *Registry) Unregister(userID int64, connID string) {
	s := r.shardFor(userID)
	s.mu.Lock()
	conns, ok := s.users[userID]
	if !ok {
		s.mu.Unlock()
		return
	}
	if _, ok := conns[connID]; !ok {
		s.mu.Unlock()
		return
	}
	delete(conns, connID)
	count := len(conns)
	if count == 0 {
		delete(s.users, userID)
	}
	fn := r.onTransition
	s.mu.Unlock()

	if fn != nil {
		fn(Transition{UserID: userID, Delta: -1, Count: count})
	}
}

// Resolve returns a snapshot of the user's live handles. Handles may close
// concurrently after the snapshot; senders must treat Deliver failures as
// non-fatal.
func (r *Registry) Resolve(userID int64) []Handle {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()

	conns := s.users[userID]
	if len(conns) == 0 {
		return nil
	}
	out := make([]Handle, 0, len(conns))
	for _, h := range conns {
		out = append(out, h)
	}
	return out
}

// Count returns the user's current connection count.
func (r *Registry) Count(userID int64) int {
	s := r.shardFor(userID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users[userID])
}

// All returns a snapshot of every registered handle. Used at shutdown.
func (r *Registry) All() []Handle {
	var out []Handle
	for _, s := range r.shards {
		s.mu.RLock()
		for _, conns := range s.users {
			for _, h := range conns {
				out = append(out, h)
			}
		}
		s.mu.RUnlock()
	}
	return out
}
