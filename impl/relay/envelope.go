package relay

import (
	"fmt"

	"github.com/usernamenenad/ordered-chat/core"
)

// Mode is the delivery-ordering discipline of a replica. A replica keeps
// one mode for its whole lifetime.
type Mode uint8

const (
	ModeUnordered Mode = iota
	ModeFifo
	ModeTotal
)

func (m Mode) String() string {
	switch m {
	case ModeUnordered:
		return "unordered"
	case ModeFifo:
		return "fifo"
	case ModeTotal:
		return "total"
	default:
		return "unknown"
	}
}

// ParseMode maps a mode name to a Mode. Unknown names fall back to
// ModeUnordered and return false.
func ParseMode(s string) (Mode, bool) {
	switch s {
	case "unordered":
		return ModeUnordered, true
	case "fifo":
		return ModeFifo, true
	case "total":
		return ModeTotal, true
	default:
		return ModeUnordered, false
	}
}

// Phase is the step of the total-order protocol an envelope belongs to.
type Phase uint8

const (
	PhaseNormal Phase = iota
	PhasePropose
	PhaseDeliver
)

func (p Phase) String() string {
	switch p {
	case PhaseNormal:
		return "NORMAL"
	case PhasePropose:
		return "PROPOSE"
	case PhaseDeliver:
		return "DELIVER"
	default:
		return "UNKNOWN"
	}
}

func parsePhase(s string) (Phase, error) {
	switch s {
	case "NORMAL":
		return PhaseNormal, nil
	case "PROPOSE":
		return PhasePropose, nil
	case "DELIVER":
		return PhaseDeliver, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnknownPhase, s)
	}
}

// Envelope is one replica-to-replica message. Each wire shape has its own type.
type Envelope interface {
	GetRoom() core.Room
	envelope()
}

// Unordered carries chat text with no ordering metadata.
type Unordered struct {
	Nick string
	Room core.Room
	Text string
}

// FifoRelay carries chat text numbered by its sender for one room.
type FifoRelay struct {
	Nick   string
	Room   core.Room
	Text   string
	Seq    int
	Sender string
}

// Normal announces fresh chat text to every replica.
type Normal struct {
	Nick    string
	Room    core.Room
	Text    string
	Sender  string
	LocalId int
}

// Propose is one replica's proposed sequence number, sent to the originator.
type Propose struct {
	Sender  string
	LocalId int
	Room    core.Room
	Seq     int
}

// Deliver carries the agreed sequence number to every replica.
type Deliver struct {
	Sender  string
	LocalId int
	Room    core.Room
	Text    string
	Nick    string
	Seq     int
}

func (e *Unordered) GetRoom() core.Room { return e.Room }
func (e *FifoRelay) GetRoom() core.Room { return e.Room }
func (e *Normal) GetRoom() core.Room    { return e.Room }
func (e *Propose) GetRoom() core.Room   { return e.Room }
func (e *Deliver) GetRoom() core.Room   { return e.Room }

func (*Unordered) envelope() {}
func (*FifoRelay) envelope() {}
func (*Normal) envelope()    {}
func (*Propose) envelope()   {}
func (*Deliver) envelope()   {}

// Classify returns the total-order phase of env. FIFO and unordered
// envelopes have no phase.
func Classify(env Envelope) (Phase, bool) {
	switch env.(type) {
	case *Normal:
		return PhaseNormal, true
	case *Propose:
		return PhasePropose, true
	case *Deliver:
		return PhaseDeliver, true
	default:
		return 0, false
	}
}

func (n *Normal) key() TotalKey {
	return TotalKey{Sender: n.Sender, Room: n.Room, LocalId: n.LocalId}
}

func (p *Propose) key() TotalKey {
	return TotalKey{Sender: p.Sender, Room: p.Room, LocalId: p.LocalId}
}

func (d *Deliver) key() TotalKey {
	return TotalKey{Sender: d.Sender, Room: d.Room, LocalId: d.LocalId}
}
