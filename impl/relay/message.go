package relay

import (
	"github.com/usernamenenad/ordered-chat/core"
)

// Status tracks a total-order message on its way to delivery.
type Status uint8

const (
	StatusNotDeliverable Status = iota
	StatusDeliverable
	StatusDelivered
)

func (s Status) String() string {
	switch s {
	case StatusNotDeliverable:
		return "NOT-DELIVERABLE"
	case StatusDeliverable:
		return "DELIVERABLE"
	case StatusDelivered:
		return "DELIVERED"
	default:
		return "UNKNOWN"
	}
}

// Message is a chat message held by a replica until it can be delivered.
//
// Sender, Room and LocalId identify the message in every ordering mode. Seq is
// the sender's send order under FIFO, and the proposed and then agreed
// sequence number under total order.
type Message struct {
	Sender  string
	Room    core.Room
	LocalId int
	Nick    string
	Text    string
	Seq     int
	Status  Status

	// Proposals is only filled on the replica that originated the message.
	Proposals []int
}

// Line formats the message the way clients see it.
func (m *Message) Line() string {
	return FormatLine(m.Nick, m.Text)
}

func FormatLine(nick, text string) string {
	return "<" + nick + "> " + text
}

// MaxProposal returns the highest collected proposal, or false if none arrived yet.
func (m *Message) MaxProposal() (int, bool) {
	if len(m.Proposals) == 0 {
		return 0, false
	}

	highest := m.Proposals[0]
	for _, p := range m.Proposals[1:] {
		if p > highest {
			highest = p
		}
	}
	return highest, true
}

// Less orders messages by (Seq, Sender, LocalId), the delivery order of a
// total-order room.
func (m *Message) Less(other *Message) bool {
	if m.Seq != other.Seq {
		return m.Seq < other.Seq
	}
	if m.Sender != other.Sender {
		return m.Sender < other.Sender
	}
	return m.LocalId < other.LocalId
}
