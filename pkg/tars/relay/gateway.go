package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jholhewres/tars/pkg/tars/channels"
)

// Errors.
var (
	ErrUnknownKind    = errors.New("relay: unknown channel kind")
	ErrChannelUnbound = errors.New("relay: no destination bound for channel kind")
)

// TransportError wraps a chat collaborator failure during Send.
type TransportError struct {
	Kind  Kind
	Chunk int
	Err   error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("relay: send %s chunk %d: %v", e.Kind, e.Chunk, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Transport is the part of the chat collaborator the gateway sends through.
type Transport interface {
	Send(ctx context.Context, destination, text string) error
	IsConnected() bool
}

// DeliveryReceipt describes a completed Send.
type DeliveryReceipt struct {
	Kind        Kind      `json:"channelKind"`
	Destination string    `json:"destination"`
	Chunks      int       `json:"chunks"`
	Length      int       `json:"length"`
	SentAt      time.Time `json:"sentAt"`
}

// Status is a point-in-time view of the gateway.
type Status struct {
	Connected         bool            `json:"connected"`
	BoundDestinations map[Kind]string `json:"boundDestinations"`
	QueueDepths       map[Kind]int    `json:"queueDepths"`
}

// Gateway owns one Queue per channel kind and the kind → destination
// bindings used for outbound replies.
type Gateway struct {
	transport Transport
	bindings  map[Kind]string
	byDest    map[string]Kind
	queues    map[Kind]*Queue
	chunkLen  int
	logger    *slog.Logger
}

// NewGateway creates a gateway serving every kind in Kinds. Bindings with
// an empty destination leave the kind unbound for Send; its queue still
// exists.
func NewGateway(transport Transport, bindings map[Kind]string, logger *slog.Logger) *Gateway {
	if logger == nil {
		logger = slog.Default()
	}
	g := &Gateway{
		transport: transport,
		bindings:  make(map[Kind]string),
		byDest:    make(map[string]Kind),
		queues:    make(map[Kind]*Queue, len(Kinds)),
		chunkLen:  channels.MaxMessageLen,
		logger:    logger.With("component", "relay"),
	}
	for _, kind := range Kinds {
		g.queues[kind] = NewQueue(kind)
	}
	for kind, dest := range bindings {
		if dest == "" || !kind.Valid() {
			continue
		}
		g.bindings[kind] = dest
		g.byDest[dest] = kind
	}
	return g
}

func (g *Gateway) queue(kind Kind) (*Queue, error) {
	q, ok := g.queues[kind]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	return q, nil
}

// Wait blocks for the next message on kind. See Queue.Wait.
func (g *Gateway) Wait(ctx context.Context, kind Kind, timeout time.Duration) (WaitResult, error) {
	q, err := g.queue(kind)
	if err != nil {
		return WaitResult{}, err
	}
	return q.Wait(ctx, timeout)
}

// Deliver routes msg to kind's queue.
func (g *Gateway) Deliver(kind Kind, msg Message) error {
	q, err := g.queue(kind)
	if err != nil {
		return err
	}
	q.Deliver(msg)
	return nil
}

// Send posts text to kind's destination in chunks of at most MaxMessageLen
// runes, each chunk delivered before the next is sent.
func (g *Gateway) Send(ctx context.Context, kind Kind, text string) (DeliveryReceipt, error) {
	if _, err := g.queue(kind); err != nil {
		return DeliveryReceipt{}, err
	}
	dest, ok := g.bindings[kind]
	if !ok {
		return DeliveryReceipt{}, fmt.Errorf("%w: %s", ErrChannelUnbound, kind)
	}

	chunks := SplitMessage(text, g.chunkLen)
	for i, chunk := range chunks {
		if err := g.transport.Send(ctx, dest, chunk); err != nil {
			g.logger.Warn("send failed", "kind", kind, "chunk", i, "of", len(chunks), "error", err)
			return DeliveryReceipt{}, &TransportError{Kind: kind, Chunk: i, Err: err}
		}
	}
	return DeliveryReceipt{
		Kind:        kind,
		Destination: dest,
		Chunks:      len(chunks),
		Length:      len([]rune(text)),
		SentAt:      time.Now(),
	}, nil
}

// Status returns connection state, bindings and queue depths.
func (g *Gateway) Status() Status {
	st := Status{
		Connected:         g.transport != nil && g.transport.IsConnected(),
		BoundDestinations: make(map[Kind]string, len(g.bindings)),
		QueueDepths:       make(map[Kind]int, len(g.queues)),
	}
	for kind, dest := range g.bindings {
		st.BoundDestinations[kind] = dest
	}
	for kind, q := range g.queues {
		st.QueueDepths[kind] = q.Depth()
	}
	return st
}

// Run pumps platform events into the queues until ctx is done or inbound
// is closed. Events from unbound destinations are dropped.
func (g *Gateway) Run(ctx context.Context, inbound <-chan *channels.IncomingMessage) {
	for {
		select {
		case <-ctx.Done():
			return
		case in, ok := <-inbound:
			if !ok {
				return
			}
			kind, bound := g.byDest[in.ChatID]
			if !bound {
				g.logger.Debug("dropping message from unbound destination", "chat_id", in.ChatID)
				continue
			}
			msg := NewMessage(kind, in)
			_ = g.Deliver(kind, msg)
			g.logger.Debug("message queued", "kind", kind, "id", msg.ID, "sender", msg.Sender)
		}
	}
}
