// Package relay implements the message-routing half of the supervisor core:
// one FIFO queue per channel kind with at most one blocked waiter, and the
// gateway that binds each kind to a chat destination.
package relay

import (
	"time"

	"github.com/google/uuid"
	"github.com/jholhewres/tars/pkg/tars/channels"
)

// Kind is a logical channel category bound to one chat destination.
type Kind string

const (
	KindPrimary   Kind = "primary"
	KindOverwatch Kind = "overwatch"
)

// Kinds lists the channel kinds a gateway serves, in display order.
var Kinds = []Kind{KindPrimary, KindOverwatch}

// Valid reports whether k is one of the known kinds.
func (k Kind) Valid() bool {
	return k == KindPrimary || k == KindOverwatch
}

// Message is an inbound chat message. It is immutable once constructed and
// consumed exactly once.
type Message struct {
	ID              string    `json:"id"`
	Sender          string    `json:"sender"`
	SenderID        string    `json:"senderId"`
	Body            string    `json:"body"`
	Kind            Kind      `json:"channelKind"`
	OriginChannelID string    `json:"originChannelId"`
	Timestamp       time.Time `json:"timestamp"`
}

// NewMessage builds a Message from a platform event. Events without an id
// or timestamp get a generated id and the current time.
func NewMessage(kind Kind, in *channels.IncomingMessage) Message {
	msg := Message{
		ID:              in.ID,
		Sender:          in.FromName,
		SenderID:        in.From,
		Body:            in.Content,
		Kind:            kind,
		OriginChannelID: in.ChatID,
		Timestamp:       in.Timestamp,
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	return msg
}
