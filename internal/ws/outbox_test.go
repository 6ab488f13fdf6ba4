package ws

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"swiftchat/internal/protocol"
	"swiftchat/internal/registry"
)

func TestOutboxShedsPresenceFirst(t *testing.T) {
	o := newOutbox(3)

	require.NoError(t, o.push(&protocol.Frame{Type: protocol.TypeMessage}))
	require.NoError(t, o.push(&protocol.Frame{Type: protocol.TypeUserStatus}))
	require.NoError(t, o.push(&protocol.Frame{Type: protocol.TypeMessage}))

	// Queue full: the presence frame is dropped, the message is queued.
	require.NoError(t, o.push(&protocol.Frame{Type: protocol.TypeMessage}))

	frames := o.drain()
	require.Len(t, frames, 3)
	for _, f := range frames {
		assert.Equal(t, protocol.TypeMessage, f.Type)
	}
}

func TestOutboxSlowConsumer(t *testing.T) {
	o := newOutbox(2)

	require.NoError(t, o.push(&protocol.Frame{Type: protocol.TypeMessage}))
	require.NoError(t, o.push(&protocol.Frame{Type: protocol.TypeMessage}))

	// Nothing droppable left: the connection is condemned.
	err := o.push(&protocol.Frame{Type: protocol.TypeMessage})
	assert.ErrorIs(t, err, registry.ErrSlowConsumer)
	assert.ErrorIs(t, o.failure(), registry.ErrSlowConsumer)

	// Subsequent pushes keep failing.
	assert.Error(t, o.push(&protocol.Frame{Type: protocol.TypeMessage}))
}

func TestOutboxClosedDelivery(t *testing.T) {
	o := newOutbox(4)
	o.close(registry.ErrHandleClosed)

	err := o.push(&protocol.Frame{Type: protocol.TypeMessage})
	assert.ErrorIs(t, err, registry.ErrHandleClosed)
}
