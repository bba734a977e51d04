// Package room tracks live connection sessions, the ephemeral rooms they
// occupy, and fans messages out to room members.
package room

import (
	"errors"
	"fmt"
	"sync"
)

var (
	// ErrOutboxFull is returned by Push when the receiver is not keeping up.
	ErrOutboxFull = errors.New("outbox full")
	// ErrOutboxClosed is returned by Push after Close.
	ErrOutboxClosed = errors.New("outbox closed")
)

// Outbox is the buffered queue of encoded frames awaiting delivery to one
// connection. A single writer goroutine drains Events and writes to the
// transport.
type Outbox struct {
	owner  string
	events chan []byte
	mu     sync.Mutex
	closed bool
}

// NewOutbox creates an Outbox for the given connection id.
//
// Precondition: owner must be non-empty.
// Postcondition: Returns an Outbox with an open events channel of at least one slot.
func NewOutbox(owner string, size int) *Outbox {
	if size <= 0 {
		size = 64
	}
	return &Outbox{
		owner:  owner,
		events: make(chan []byte, size),
	}
}

// Push enqueues data without blocking.
//
// Precondition: data must be non-nil.
// Postcondition: data is enqueued, or an error wrapping ErrOutboxClosed or ErrOutboxFull is returned.
func (o *Outbox) Push(data []byte) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if o.closed {
		return fmt.Errorf("connection %s: %w", o.owner, ErrOutboxClosed)
	}
	select {
	case o.events <- data:
		return nil
	default:
		return fmt.Errorf("connection %s: %w", o.owner, ErrOutboxFull)
	}
}

// Events returns the receive side of the queue. It is closed by Close.
func (o *Outbox) Events() <-chan []byte {
	return o.events
}

// Close marks the outbox closed and closes the events channel. Frames already
// queued remain readable.
//
// Postcondition: Further Push calls fail with ErrOutboxClosed.
func (o *Outbox) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()

	if !o.closed {
		o.closed = true
		close(o.events)
	}
	return nil
}

// isClosed reports whether Close has been called.
func (o *Outbox) isClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.closed
}
