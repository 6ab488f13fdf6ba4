// Package testutil provides shared fakes for package tests.
package testutil

import (
	"io"
	"log/slog"
	"sync"
	"time"

	"swiftchat/internal/protocol"
	"swiftchat/internal/registry"
)

// Logger returns a logger that discards everything.
func Logger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// Handle is an in-memory registry.Handle recording delivered frames.
type Handle struct {
	id     string
	userID int64
	opened time.Time

	mu     sync.Mutex
	frames []*protocol.Frame
	closed bool
}

var _ registry.Handle = (*Handle)(nil)

func NewHandle(id string, userID int64) *Handle {
	return &Handle{id: id, userID: userID, opened: time.Now()}
}

func (h *Handle) ID() string          { return h.id }
func (h *Handle) UserID() int64       { return h.userID }
func (h *Handle) OpenedAt() time.Time { return h.opened }

func (h *Handle) Deliver(f *protocol.Frame) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return registry.ErrHandleClosed
	}
	h.frames = append(h.frames, f)
	return nil
}

// Close makes subsequent deliveries fail with ErrHandleClosed.
func (h *Handle) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
}

// Frames returns a snapshot of everything delivered so far.
func (h *Handle) Frames() []*protocol.Frame {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]*protocol.Frame, len(h.frames))
	copy(out, h.frames)
	return out
}
