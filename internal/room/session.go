package room

import (
	"github.com/cory-johannsen/chatgate/internal/auth"
)

// Session is one authenticated live connection. It is owned by the gateway
// goroutine serving that connection and referenced by the Registry while it
// occupies rooms.
type Session struct {
	// ID is unique among live connections.
	ID string
	// Identity is bound at authentication and never changes.
	Identity auth.Identity

	outbox *Outbox

	// Guarded by Registry.mu.
	memberOf map[string]struct{}
	pending  map[string]struct{}
	detached bool
}

// NewSession creates a Session with an empty membership and an outbox of
// outboxSize frames.
//
// Precondition: id must be non-empty; identity must come from an Authenticator.
func NewSession(id string, identity auth.Identity, outboxSize int) *Session {
	return &Session{
		ID:       id,
		Identity: identity,
		outbox:   NewOutbox(id, outboxSize),
		memberOf: make(map[string]struct{}),
		pending:  make(map[string]struct{}),
	}
}

// Outbox returns the session's delivery queue.
func (s *Session) Outbox() *Outbox {
	return s.outbox
}

// Deliver enqueues an encoded frame for this connection.
func (s *Session) Deliver(frame []byte) error {
	return s.outbox.Push(frame)
}

// Close closes the outbox, ending the writer goroutine once it drains.
func (s *Session) Close() error {
	return s.outbox.Close()
}
