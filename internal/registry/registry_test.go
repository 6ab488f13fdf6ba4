package registry_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"swiftchat/internal/protocol"
	"swiftchat/internal/registry"
)

type fakeHandle struct {
	id     string
	userID int64

	mu     sync.Mutex
	frames []*protocol.Frame
	closed bool
}

func newFakeHandle(id string, userID int64) *fakeHandle {
	return &fakeHandle{id: id, userID: userID}
}

func (h *fakeHandle) ID() string          { return h.id }
func (h *fakeHandle) UserID() int64       { return h.userID }
func (h *fakeHandle) OpenedAt() time.Time { return time.Time{} }

func (h *fakeHandle) Deliver(f *protocol.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return registry.ErrHandleClosed
	}
	h.frames = append(h.frames, f)
	return nil
}

func TestRegisterResolve(t *testing.T) {
	r := registry.New(nil)

	h1 := newFakeHandle("c1", 7)
	h2 := newFakeHandle("c2", 7)
	r.Register(h1)
	r.Register(h2)

	handles := r.Resolve(7)
	assert.Len(t, handles, 2)
	assert.Equal(t, 2, r.Count(7))
	assert.Empty(t, r.Resolve(8))
}

func TestUnregisterIdempotent(t *testing.T) {
	var events []registry.Transition
	r := registry.New(func(tr registry.Transition) {
		events = append(events, tr)
	})

	h := newFakeHandle("c1", 7)
	r.Register(h)
	r.Unregister(7, "c1")

	// Not present anymore: no error, no state change, no transition.
	r.Unregister(7, "c1")
	r.Unregister(7, "never-existed")
	r.Unregister(99, "c1")

	assert.Equal(t, 0, r.Count(7))
	assert.Equal(t, []registry.Transition{
		{UserID: 7, Delta: +1, Count: 1},
		{UserID: 7, Delta: -1, Count: 0},
	}, events)
}

func TestResolveSnapshotIsolation(t *testing.T) {
	r := registry.New(nil)
	h := newFakeHandle("c1", 7)
	r.Register(h)

	snapshot := r.Resolve(7)
	r.Unregister(7, "c1")

	// The snapshot stays usable; delivery to the closed handle fails softly.
	h.closed = true
	assert.ErrorIs(t, snapshot[0].Deliver(&protocol.Frame{Type: protocol.TypePing}), registry.ErrHandleClosed)
}

func TestConcurrentRegistration(t *testing.T) {
	r := registry.New(nil)

	const users = 20
	const connsPerUser = 10

	var wg sync.WaitGroup
	for u := int64(1); u <= users; u++ {
		for c := 0; c < connsPerUser; c++ {
			wg.Add(1)
			go func(u int64, c int) {
				defer wg.Done()
				h := newFakeHandle(string(rune('a'+c)), u)
				r.Register(h)
				if c%2 == 0 {
					r.Unregister(u, h.ID())
				}
			}(u, c)
		}
	}
	wg.Wait()

	for u := int64(1); u <= users; u++ {
		assert.Equal(t, connsPerUser/2, r.Count(u), "user %d", u)
	}
	assert.Len(t, r.All(), users*connsPerUser/2)
}
