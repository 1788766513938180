package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/usernamenenad/ordered-chat/core"
)

// UnorderedEngine delivers every relayed message as soon as it arrives.
type UnorderedEngine struct {
	net  Multicaster
	sink core.Sink

	logger *slog.Logger
}

func NewUnorderedEngine(net Multicaster, sink core.Sink, logger *slog.Logger) *UnorderedEngine {
	if logger == nil {
		logger = slog.Default()
	}

	return &UnorderedEngine{
		net:    net,
		sink:   sink,
		logger: logger,
	}
}

func (e *UnorderedEngine) Submit(ctx context.Context, s Submission) error {
	env := e.Largest(s)
	if err := e.net.Multicast(ctx, env); err != nil {
		return fmt.Errorf("multicast unordered message: %w", err)
	}
	return nil
}

func (e *UnorderedEngine) Largest(s Submission) Envelope {
	return &Unordered{
		Nick: s.Nick,
		Room: s.Room,
		Text: s.Text,
	}
}

func (e *UnorderedEngine) Handle(ctx context.Context, from string, env Envelope) {
	msg, ok := env.(*Unordered)
	if !ok {
		e.logger.Warn("unexpected envelope", "type", fmt.Sprintf("%T", env), "from", from)
		return
	}
	e.OnMessage(msg.Room, msg.Text, msg.Nick)
}

// OnMessage delivers text to the room's local clients right away.
func (e *UnorderedEngine) OnMessage(room core.Room, text, nick string) {
	e.sink.Deliver(room, FormatLine(nick, text))
}
