package relay

import (
	"context"
	"log/slog"

	"github.com/usernamenenad/ordered-chat/core"
)

// Submission is chat text a local client sent to its room. Seq is the
// client's FIFO counter for the room and LocalId its total-order id; each
// engine reads only the one it needs.
type Submission struct {
	Sender  string
	Room    core.Room
	Nick    string
	Text    string
	Seq     int
	LocalId int
}

// Engine is one delivery-ordering discipline.
type Engine interface {
	// Submit starts relaying chat text from a local client.
	Submit(ctx context.Context, s Submission) error

	// Largest returns the biggest envelope s travels in between replicas.
	Largest(s Submission) Envelope

	// Handle processes an envelope received from the replica at from.
	Handle(ctx context.Context, from string, env Envelope)
}

// Multicaster sends envelopes to replicas.
type Multicaster interface {
	Multicast(ctx context.Context, env Envelope) error
	Unicast(ctx context.Context, to string, env Envelope) error
}

// NewEngine builds the engine for mode.
func NewEngine(mode Mode, replicas int, net Multicaster, sink core.Sink, logger *slog.Logger) Engine {
	switch mode {
	case ModeFifo:
		return NewFifoEngine(net, sink, logger)
	case ModeTotal:
		return NewTotalEngine(replicas, net, sink, logger)
	default:
		return NewUnorderedEngine(net, sink, logger)
	}
}
