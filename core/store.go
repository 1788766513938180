package core

// Sink receives lines that are ready for delivery to the local clients of a room.
type Sink interface {
	Deliver(room Room, line string)
}

// Store keeps the lines delivered to each room.
type Store interface {
	AddLine(room Room, line string) error
	GetLines(room Room) ([]string, error)
}
