// Package bus decouples the aggregation engine from the output dispatcher.
//
// A flushed turn's decoded reply is published here and consumed by the
// dispatcher loop, so a slow gateway send never blocks the engine's flush
// path or new message intake.
package bus

import (
	"context"
	"sync/atomic"

	"github.com/nextlevelbuilder/wxbridge/internal/reply"
)

// OutboundMessage is one decoded backend reply bound for a peer.
type OutboundMessage struct {
	Peer     string
	Segments []reply.Segment
}

// defaultBufferSize bounds in-flight replies before publishers drop.
const defaultBufferSize = 100

// MessageBus carries outbound reply batches between the engine and the
// dispatcher. Safe for concurrent use.
type MessageBus struct {
	outbound chan OutboundMessage
	done     chan struct{}
	closed   atomic.Bool
}

// New creates a message bus with the default buffer size.
func New() *MessageBus {
	return &MessageBus{
		outbound: make(chan OutboundMessage, defaultBufferSize),
		done:     make(chan struct{}),
	}
}

// PublishOutbound enqueues a reply for dispatch. Returns false if the bus
// is closed or the buffer is full — callers log the drop; there is no
// user-facing retry channel.
func (b *MessageBus) PublishOutbound(msg OutboundMessage) bool {
	if b.closed.Load() {
		return false
	}
	select {
	case b.outbound <- msg:
		return true
	case <-b.done:
		return false
	default:
		return false
	}
}

// SubscribeOutbound blocks until a reply is available, ctx is cancelled,
// or the bus is closed. The second return is false when no message was
// received. Buffered replies are still delivered after Close so a shutdown
// flush is not lost.
func (b *MessageBus) SubscribeOutbound(ctx context.Context) (OutboundMessage, bool) {
	select {
	case msg := <-b.outbound:
		return msg, true
	default:
	}
	select {
	case msg := <-b.outbound:
		return msg, true
	case <-ctx.Done():
		return OutboundMessage{}, false
	case <-b.done:
		return OutboundMessage{}, false
	}
}

// Close shuts the bus down. Idempotent.
func (b *MessageBus) Close() {
	if b.closed.CompareAndSwap(false, true) {
		close(b.done)
	}
}
