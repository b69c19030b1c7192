// Package channels defines the chat-platform collaborator used by the relay
// gateway and the supervisor. A Channel delivers inbound text events and
// accepts outbound text for a destination; the platform SDK itself lives in
// the subpackages (discord).
package channels

import (
	"context"
	"errors"
	"time"
)

// Channel is the interface every chat platform adapter implements.
type Channel interface {
	// Name returns the platform identifier (e.g. "discord").
	Name() string

	// Connect establishes the connection to the platform.
	Connect(ctx context.Context) error

	// Disconnect gracefully closes the connection.
	Disconnect() error

	// Send delivers one message of at most MaxMessageLen units to the
	// destination. Callers are responsible for chunking.
	Send(ctx context.Context, destination, text string) error

	// Receive returns a Go channel that emits inbound messages.
	Receive() <-chan *IncomingMessage

	// IsConnected returns true while the platform session is open.
	IsConnected() bool

	// Health returns the adapter health status.
	Health() HealthStatus
}

// Provisioner creates and removes the per-instance destinations a
// supervisor binds its channel kinds to.
type Provisioner interface {
	// CreateInstanceChannels creates the destinations for an instance slot
	// and returns kind → destination id.
	CreateInstanceChannels(ctx context.Context, slot int) (Bindings, error)

	// DeleteChannels removes destinations created earlier. Implementations
	// try every id and return the joined errors.
	DeleteChannels(ctx context.Context, ids []string) error
}

// Bindings maps a logical channel kind to its platform destination id.
type Bindings map[string]string

// MaxMessageLen is the chunk size used when relaying long text. It stays
// under Discord's 2000 character limit to leave room for prefixes.
const MaxMessageLen = 1900

// IncomingMessage is a text event received from the platform.
type IncomingMessage struct {
	// ID is the platform message id.
	ID string

	// Channel identifies the platform (e.g. "discord").
	Channel string

	// From is the sender id on the platform.
	From string

	// FromName is the sender display name.
	FromName string

	// ChatID is the destination the message was posted in.
	ChatID string

	// Content is the text body.
	Content string

	// Timestamp is when the message was sent.
	Timestamp time.Time
}

// HealthStatus represents the health state of an adapter.
type HealthStatus struct {
	Connected     bool
	LastMessageAt time.Time
	ErrorCount    int
}

// Errors.
var (
	ErrChannelDisconnected = errors.New("channel is not connected")
	ErrConnectionFailed    = errors.New("failed to connect to channel")
)
