package chathub

import (
	"errors"

	"mapmo/backend/internal/models"
)

var (
	// ErrClientClosed is returned by Send after Close.
	ErrClientClosed = errors.New("client closed")
	// ErrSendBufferFull is returned by Send when the outbound buffer has no room.
	ErrSendBufferFull = errors.New("send buffer full")
	// ErrNotParticipant is returned when a user acts on a conversation they are not part of.
	ErrNotParticipant = errors.New("not a participant of the conversation")
	// ErrConversationEnded is returned when acting on a terminal conversation.
	ErrConversationEnded = errors.New("conversation has ended")
)

// Client is the interface for any type of connection (e.g., WebSocket).
// It abstracts the underlying transport so the hub can manage clients
// uniformly.
type Client interface {
	// GetUserID returns the identifier of the authenticated user behind the connection.
	GetUserID() string

	// Send queues an outbound frame without blocking. A non-nil error means
	// the client can no longer be delivered to.
	Send(env models.Envelope) error

	// Run starts the client's read and write pumps.
	Run()
	// Close stops outbound delivery and shuts the connection down. It is
	// safe to call more than once.
	Close()
}
