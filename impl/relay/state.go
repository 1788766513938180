package relay

import (
	"github.com/usernamenenad/ordered-chat/core"
)

// RoomState is the total-order bookkeeping of one room.
type RoomState struct {
	// Pg is the highest sequence number this replica proposed for the room.
	Pg int
	// Ag is the highest agreed sequence number seen for the room.
	Ag    int
	Queue *HoldbackQueue[TotalKey]
}

func NewRoomState() *RoomState {
	return &RoomState{
		Queue: NewTotalQueue(),
	}
}

// Propose returns max(Pg, Ag) + 1 and records it as the new Pg.
func (s *RoomState) Propose() int {
	proposed := max(s.Pg, s.Ag) + 1
	s.Pg = proposed
	return proposed
}

// Agree raises Ag to seq if seq is higher.
func (s *RoomState) Agree(seq int) {
	if seq > s.Ag {
		s.Ag = seq
	}
}

// State holds RoomState per room. It is owned by a single goroutine.
type State struct {
	rooms map[core.Room]*RoomState
}

func NewState() *State {
	return &State{
		rooms: make(map[core.Room]*RoomState),
	}
}

// Room returns the state of room, creating it on first use.
func (s *State) Room(room core.Room) *RoomState {
	rs, ok := s.rooms[room]
	if !ok {
		rs = NewRoomState()
		s.rooms[room] = rs
	}
	return rs
}

// Lookup returns the state of room without creating it.
func (s *State) Lookup(room core.Room) (*RoomState, bool) {
	rs, ok := s.rooms[room]
	return rs, ok
}
