package relay

import (
	"context"
	"fmt"
	"log/slog"
	"math"

	"github.com/usernamenenad/ordered-chat/core"
)

// TotalEngine delivers every room's messages in the same order on every
// replica, using the propose/agree exchange:
//
//   - NORMAL: the originator multicasts new text; each replica queues it as
//     not deliverable under its own proposal and sends PROPOSE back.
//   - PROPOSE: once the originator holds a proposal from every replica it
//     multicasts DELIVER with the highest one.
//   - DELIVER: each replica fixes the agreed number, sorts the room queue by
//     (seq, sender, local id) and delivers from the head until it meets a
//     message that is still not deliverable.
//
// A lost PROPOSE or DELIVER stalls the room forever; there is no retry.
type TotalEngine struct {
	replicas int
	net      Multicaster
	sink     core.Sink
	state    *State

	logger *slog.Logger
}

func NewTotalEngine(replicas int, net Multicaster, sink core.Sink, logger *slog.Logger) *TotalEngine {
	if logger == nil {
		logger = slog.Default()
	}

	return &TotalEngine{
		replicas: replicas,
		net:      net,
		sink:     sink,
		state:    NewState(),
		logger:   logger,
	}
}

// Submit queues the message locally, so proposals can be collected on it,
// and multicasts NORMAL to every replica including this one. When the
// multicast fails the local entry is dropped again; the NORMAL that did go
// out to this replica, if any, queues it anew.
func (e *TotalEngine) Submit(ctx context.Context, s Submission) error {
	rs := e.state.Room(s.Room)
	key := TotalKey{Sender: s.Sender, Room: s.Room, LocalId: s.LocalId}
	if _, exists := rs.Queue.Find(key); exists {
		return fmt.Errorf("message %s/%d/%d already queued", s.Sender, s.Room, s.LocalId)
	}

	rs.Queue.Add(&Message{
		Sender:  s.Sender,
		Room:    s.Room,
		LocalId: s.LocalId,
		Nick:    s.Nick,
		Text:    s.Text,
		Status:  StatusNotDeliverable,
	})

	env := &Normal{
		Nick:    s.Nick,
		Room:    s.Room,
		Text:    s.Text,
		Sender:  s.Sender,
		LocalId: s.LocalId,
	}
	if err := e.net.Multicast(ctx, env); err != nil {
		if i := rs.Queue.FindIndex(key); i != NotFound {
			rs.Queue.RemoveAt(i)
		}
		return fmt.Errorf("multicast %s: %w", PhaseNormal, err)
	}
	return nil
}

// Largest returns the DELIVER s ends in, with the widest sequence number.
func (e *TotalEngine) Largest(s Submission) Envelope {
	return &Deliver{
		Sender:  s.Sender,
		LocalId: s.LocalId,
		Room:    s.Room,
		Text:    s.Text,
		Nick:    s.Nick,
		Seq:     math.MaxInt,
	}
}

func (e *TotalEngine) Handle(ctx context.Context, from string, env Envelope) {
	phase, ok := Classify(env)
	if !ok {
		e.logger.Warn("unexpected envelope", "type", fmt.Sprintf("%T", env), "from", from)
		return
	}

	switch phase {
	case PhaseNormal:
		e.OnNormal(ctx, from, env.(*Normal))
	case PhasePropose:
		e.OnPropose(ctx, env.(*Propose))
	case PhaseDeliver:
		e.OnDeliver(env.(*Deliver))
	}
}

// OnNormal proposes a sequence number for a new message and replies to the
// originating replica at from.
func (e *TotalEngine) OnNormal(ctx context.Context, from string, n *Normal) {
	rs := e.state.Room(n.Room)

	msg, exists := rs.Queue.Find(n.key())
	if exists && msg.Status != StatusNotDeliverable {
		e.logger.Debug("late duplicate NORMAL ignored", "sender", n.Sender, "room", n.Room, "id", n.LocalId)
		return
	}

	proposed := rs.Propose()
	if exists {
		// our own message, or a repeated NORMAL
		msg.Seq = proposed
	} else {
		rs.Queue.Add(&Message{
			Sender:  n.Sender,
			Room:    n.Room,
			LocalId: n.LocalId,
			Nick:    n.Nick,
			Text:    n.Text,
			Seq:     proposed,
			Status:  StatusNotDeliverable,
		})
	}

	e.logger.Debug(
		"proposed sequence number",
		"sender", n.Sender,
		"room", n.Room,
		"id", n.LocalId,
		"seq", proposed,
		"queued", rs.Queue.Size(),
	)

	reply := &Propose{
		Sender:  n.Sender,
		LocalId: n.LocalId,
		Room:    n.Room,
		Seq:     proposed,
	}
	if err := e.net.Unicast(ctx, from, reply); err != nil {
		e.logger.Error("error sending PROPOSE", "to", from, "error", err)
	}
}

// OnPropose records one replica's proposal on a message this replica
// originated and multicasts DELIVER once every replica has proposed.
func (e *TotalEngine) OnPropose(ctx context.Context, p *Propose) {
	rs, ok := e.state.Lookup(p.Room)
	if !ok {
		e.logger.Warn("PROPOSE for unknown room", "room", p.Room)
		return
	}

	msg, ok := rs.Queue.Find(p.key())
	if !ok {
		e.logger.Warn("PROPOSE for unknown message", "sender", p.Sender, "room", p.Room, "id", p.LocalId)
		return
	}

	msg.Proposals = append(msg.Proposals, p.Seq)
	if len(msg.Proposals) != e.replicas {
		return
	}

	final, _ := msg.MaxProposal()
	e.logger.Debug("all proposals collected", "sender", msg.Sender, "room", msg.Room, "id", msg.LocalId, "seq", final)

	deliver := &Deliver{
		Sender:  msg.Sender,
		LocalId: msg.LocalId,
		Room:    msg.Room,
		Text:    msg.Text,
		Nick:    msg.Nick,
		Seq:     final,
	}
	if err := e.net.Multicast(ctx, deliver); err != nil {
		e.logger.Error("error multicasting DELIVER", "error", err)
	}
}

// OnDeliver applies an agreed sequence number and delivers the deliverable
// prefix of the room queue. It returns how many messages were delivered.
func (e *TotalEngine) OnDeliver(d *Deliver) int {
	rs, ok := e.state.Lookup(d.Room)
	if !ok {
		e.logger.Warn("DELIVER for unknown room", "room", d.Room)
		return 0
	}

	msg, ok := rs.Queue.Find(d.key())
	if !ok {
		e.logger.Warn("DELIVER for unknown message", "sender", d.Sender, "room", d.Room, "id", d.LocalId)
		return 0
	}

	msg.Seq = d.Seq
	msg.Status = StatusDeliverable
	rs.Agree(d.Seq)

	rs.Queue.Sort((*Message).Less)

	delivered := 0
	for _, m := range rs.Queue.Entries() {
		if m.Status == StatusNotDeliverable {
			e.logger.Debug("undeliverable message at head", "room", d.Room, "seq", m.Seq)
			break
		}
		e.sink.Deliver(m.Room, m.Line())
		m.Status = StatusDelivered
		delivered++
	}

	rs.Queue.RemoveIf(func(m *Message) bool {
		return m.Status == StatusDelivered
	})

	return delivered
}

// Counters returns the room's Pg and Ag.
func (e *TotalEngine) Counters(room core.Room) (pg, ag int) {
	rs, ok := e.state.Lookup(room)
	if !ok {
		return 0, 0
	}
	return rs.Pg, rs.Ag
}

// Pending returns how many messages the room's queue holds.
func (e *TotalEngine) Pending(room core.Room) int {
	rs, ok := e.state.Lookup(room)
	if !ok {
		return 0
	}
	return rs.Queue.Size()
}
