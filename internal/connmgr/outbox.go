package connmgr

import (
	"sync"

	"github.com/reclaw/reclaw-core/internal/protocol"
)

// Outbox is a bounded, drop-oldest outbound event queue for one
// connection (spec §4.3/§4.6). When full, Push discards the oldest
// queued frame and marks an overflow so the next Drain appends a single
// synthetic "overflow" event rather than silently losing frames.
//
// Outbox is the thing the Event Bus holds a handle to, NOT the
// Session itself — see eventbus's redesigned subscription model
// (spec §9 cyclic-reference fix): the bus only ever sees a Push(Frame)
// sink, never a *Session back-reference.
type Outbox struct {
	mu              sync.Mutex
	queue           []protocol.Frame
	max             int
	overflowPending bool
	wake            chan struct{}
	closed          bool
}

// NewOutbox creates an Outbox holding at most max queued frames.
func NewOutbox(max int) *Outbox {
	return &Outbox{max: max, wake: make(chan struct{}, 1)}
}

// Push enqueues a frame, dropping the oldest queued frame first if full.
func (o *Outbox) Push(f protocol.Frame) {
	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return
	}
	if len(o.queue) >= o.max {
		o.queue = o.queue[1:]
		o.overflowPending = true
	}
	o.queue = append(o.queue, f)
	o.mu.Unlock()

	select {
	case o.wake <- struct{}{}:
	default:
	}
}

// Wake returns the channel that signals new data is available to Drain.
func (o *Outbox) Wake() <-chan struct{} { return o.wake }

// Drain removes and returns all currently queued frames, appending a
// single "overflow" event frame if any frame was dropped since the last
// Drain.
func (o *Outbox) Drain() []protocol.Frame {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.queue) == 0 && !o.overflowPending {
		return nil
	}
	out := o.queue
	o.queue = nil
	if o.overflowPending {
		out = append(out, protocol.NewEvent("overflow", nil))
		o.overflowPending = false
	}
	return out
}

// Close marks the outbox closed; subsequent Push calls are no-ops.
func (o *Outbox) Close() {
	o.mu.Lock()
	o.closed = true
	o.queue = nil
	o.mu.Unlock()
}
