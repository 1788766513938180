package relay

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/usernamenenad/ordered-chat/core"
)

// FifoEngine delivers each sender's messages to a room in the order the
// sender sent them. Messages from different senders are not ordered.
//
// A lost message leaves a gap that holds back every later message from the
// same sender and room for good, and duplicates that arrive after their
// sequence number was delivered stay queued.
type FifoEngine struct {
	net  Multicaster
	sink core.Sink

	queues   map[core.Room]*HoldbackQueue[FifoKey]
	expected map[string]map[core.Room]int

	logger *slog.Logger
}

func NewFifoEngine(net Multicaster, sink core.Sink, logger *slog.Logger) *FifoEngine {
	if logger == nil {
		logger = slog.Default()
	}

	return &FifoEngine{
		net:      net,
		sink:     sink,
		queues:   make(map[core.Room]*HoldbackQueue[FifoKey]),
		expected: make(map[string]map[core.Room]int),
		logger:   logger,
	}
}

func (e *FifoEngine) Submit(ctx context.Context, s Submission) error {
	env := e.Largest(s)
	if err := e.net.Multicast(ctx, env); err != nil {
		return fmt.Errorf("multicast fifo message: %w", err)
	}
	return nil
}

func (e *FifoEngine) Largest(s Submission) Envelope {
	return &FifoRelay{
		Nick:   s.Nick,
		Room:   s.Room,
		Text:   s.Text,
		Seq:    s.Seq,
		Sender: s.Sender,
	}
}

func (e *FifoEngine) Handle(ctx context.Context, from string, env Envelope) {
	relay, ok := env.(*FifoRelay)
	if !ok {
		e.logger.Warn("unexpected envelope", "type", fmt.Sprintf("%T", env), "from", from)
		return
	}

	e.OnRelayed(relay.Sender, relay.Room, relay.Seq, &Message{
		Sender: relay.Sender,
		Room:   relay.Room,
		Nick:   relay.Nick,
		Text:   relay.Text,
		Seq:    relay.Seq,
	})
}

// OnRelayed queues msg and delivers every message from sender to room that
// is now contiguous with what was already delivered. It returns how many
// messages were delivered.
func (e *FifoEngine) OnRelayed(sender string, room core.Room, seq int, msg *Message) int {
	queue := e.queue(room)
	queue.Add(msg)

	expected := e.Expected(sender, room)
	e.logger.Debug("fifo message queued", "sender", sender, "room", room, "seq", seq, "expected", expected)

	delivered := 0
	for {
		idx := queue.FindIndex(FifoKey{Sender: sender, Room: room, Seq: expected})
		if idx == NotFound {
			break
		}

		next := queue.Get(idx)
		e.sink.Deliver(room, next.Line())
		queue.RemoveAt(idx)
		expected++
		delivered++
	}

	e.setExpected(sender, room, expected)
	if delivered > 0 {
		e.logger.Debug("fifo messages delivered", "sender", sender, "room", room, "count", delivered, "queued", queue.Size())
	}

	return delivered
}

// Expected returns the next sequence number deliverable from sender to room.
func (e *FifoEngine) Expected(sender string, room core.Room) int {
	return e.expected[sender][room]
}

// Pending returns how many messages the room's queue holds.
func (e *FifoEngine) Pending(room core.Room) int {
	if q, ok := e.queues[room]; ok {
		return q.Size()
	}
	return 0
}

func (e *FifoEngine) setExpected(sender string, room core.Room, seq int) {
	rooms, ok := e.expected[sender]
	if !ok {
		rooms = make(map[core.Room]int)
		e.expected[sender] = rooms
	}
	rooms[room] = seq
}

func (e *FifoEngine) queue(room core.Room) *HoldbackQueue[FifoKey] {
	q, ok := e.queues[room]
	if !ok {
		q = NewFifoQueue()
		e.queues[room] = q
	}
	return q
}
