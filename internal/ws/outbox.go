package ws

import (
	"sync"

	"swiftchat/internal/protocol"
	"swiftchat/internal/registry"
)

// outbox is the bounded per-connection outbound queue. When full, the oldest
// droppable frame (presence, heartbeat) is shed to make room; if every
// queued frame is critical the connection is condemned as a slow consumer
// instead of growing memory without bound.
type outbox struct {
	mu     sync.Mutex
	frames []*protocol.Frame
	limit  int
	closed bool
	err    error

	// notify wakes the write pump; capacity 1 coalesces signals.
	notify chan struct{}
}

func newOutbox(limit int) *outbox {
	if limit <= 0 {
		limit = 256
	}
	return &outbox{
		limit:  limit,
		notify: make(chan struct{}, 1),
	}
}

func (o *outbox) push(f *protocol.Frame) error {
	o.mu.Lock()
	if o.closed {
		err := o.err
		o.mu.Unlock()
		if err == nil {
			err = registry.ErrHandleClosed
		}
		return err
	}

	if len(o.frames) >= o.limit {
		if !o.dropOldestDroppableLocked() {
			o.closed = true
			o.err = registry.ErrSlowConsumer
			o.mu.Unlock()
			o.signal()
			return registry.ErrSlowConsumer
		}
	}
	o.frames = append(o.frames, f)
	o.mu.Unlock()

	o.signal()
	return nil
}

// dropOldestDroppableLocked removes the oldest non-critical frame and
// reports whether room was made.
func (o *outbox) dropOldestDroppableLocked() bool {
	for i, f := range o.frames {
		if !f.Critical() {
			o.frames = append(o.frames[:i], o.frames[i+1:]...)
			return true
		}
	}
	return false
}

// drain removes and returns all queued frames.
func (o *outbox) drain() []*protocol.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	frames := o.frames
	o.frames = nil
	return frames
}

// close marks the outbox dead with the given cause. Idempotent.
func (o *outbox) close(cause error) {
	o.mu.Lock()
	if !o.closed {
		o.closed = true
		o.err = cause
	}
	o.mu.Unlock()
	o.signal()
}

// failure returns the close cause, or nil while the outbox is live.
func (o *outbox) failure() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if !o.closed {
		return nil
	}
	return o.err
}

func (o *outbox) signal() {
	select {
	case o.notify <- struct{}{}:
	default:
	}
}
