package core

import (
	"context"
	"errors"
)

// ErrNoPeer is returned by a transport asked to send to an address it has
// no connection to.
var ErrNoPeer = errors.New("no connection to peer")

// Transport moves opaque byte messages between addresses. It gives no
// ordering or delivery guarantee.
type Transport interface {
	Send(ctx context.Context, addr string, data []byte) error

	Subscribe() <-chan Datagram

	Close() error
}

// Limited is implemented by transports that refuse messages longer than a
// fixed size. 0 means no limit.
type Limited interface {
	MaxMessageSize() int
}
