package relay

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/usernamenenad/ordered-chat/core"
)

var ErrClosed = errors.New("endpoint closed")

// Filter decides whether a datagram from one address to another is
// delivered. Returning false drops it.
type Filter func(from, to string, data []byte) bool

// Network is an in-process datagram network. Each Endpoint implements
// core.Transport, so replicas and clients can run in one test process.
type Network struct {
	mu        sync.RWMutex
	endpoints map[string]*Endpoint
	filter    Filter
	maxSize   int
}

func NewNetwork() *Network {
	return &Network{
		endpoints: make(map[string]*Endpoint),
	}
}

// Endpoint registers addr on the network and returns its transport.
func (n *Network) Endpoint(addr string) *Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()

	ep := &Endpoint{
		addr: addr,
		net:  n,
		ch:   make(chan core.Datagram, 1024),
	}
	n.endpoints[addr] = ep
	return ep
}

// SetFilter installs fn for every later send. nil delivers everything.
func (n *Network) SetFilter(fn Filter) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.filter = fn
}

// SetMaxSize makes every endpoint reject sends longer than n bytes, like a
// datagram socket would. 0 removes the limit.
func (n *Network) SetMaxSize(size int) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.maxSize = size
}

// Inject delivers data to addr as if from had sent it, bypassing the filter.
func (n *Network) Inject(from, to string, data []byte) error {
	n.mu.RLock()
	dst, ok := n.endpoints[to]
	n.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no endpoint at %s", to)
	}
	return dst.push(context.Background(), core.Datagram{From: from, Data: slices.Clone(data)})
}

func (n *Network) send(ctx context.Context, from, to string, data []byte) error {
	n.mu.RLock()
	dst, ok := n.endpoints[to]
	filter := n.filter
	maxSize := n.maxSize
	n.mu.RUnlock()

	if !ok {
		return fmt.Errorf("no endpoint at %s", to)
	}
	if maxSize > 0 && len(data) > maxSize {
		return fmt.Errorf("datagram of %d bytes exceeds %d", len(data), maxSize)
	}
	if filter != nil && !filter(from, to, data) {
		return nil
	}
	return dst.push(ctx, core.Datagram{From: from, Data: slices.Clone(data)})
}

func (n *Network) remove(addr string) {
	n.mu.Lock()
	defer n.mu.Unlock()

	delete(n.endpoints, addr)
}

type Endpoint struct {
	addr string
	net  *Network

	mu     sync.RWMutex
	ch     chan core.Datagram
	closed bool
}

func (e *Endpoint) Addr() string {
	return e.addr
}

func (e *Endpoint) Send(ctx context.Context, addr string, data []byte) error {
	return e.net.send(ctx, e.addr, addr, data)
}

// MaxMessageSize reports the network's size limit, 0 when there is none.
func (e *Endpoint) MaxMessageSize() int {
	e.net.mu.RLock()
	defer e.net.mu.RUnlock()

	return e.net.maxSize
}

func (e *Endpoint) Subscribe() <-chan core.Datagram {
	return e.ch
}

func (e *Endpoint) Close() error {
	e.net.remove(e.addr)

	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.closed {
		e.closed = true
		close(e.ch)
	}
	return nil
}

func (e *Endpoint) push(ctx context.Context, d core.Datagram) error {
	e.mu.RLock()
	defer e.mu.RUnlock()

	if e.closed {
		return ErrClosed
	}

	select {
	case e.ch <- d:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	default:
		return fmt.Errorf("endpoint %s: receive buffer full", e.addr)
	}
}
