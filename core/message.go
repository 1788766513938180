package core

// Datagram is one opaque message as seen by a transport, tagged with the
// address it arrived from.
type Datagram struct {
	From string
	Data []byte
}
