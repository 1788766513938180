package relay_test

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"math/rand"
	"testing"
	"time"

	"github.com/usernamenenad/ordered-chat/core"
	"github.com/usernamenenad/ordered-chat/impl/relay"
)

var silentLogger = slog.New(slog.NewTextHandler(io.Discard, nil))

// recordingSink keeps delivered lines per room.
type recordingSink struct {
	lines map[core.Room][]string
}

func newRecordingSink() *recordingSink {
	return &recordingSink{lines: make(map[core.Room][]string)}
}

func (s *recordingSink) Deliver(room core.Room, line string) {
	s.lines[room] = append(s.lines[room], line)
}

type sent struct {
	from string
	to   string
	env  relay.Envelope
}

// bus collects envelopes sent between engines so a test decides when, and
// in which order, each one is handled.
type bus struct {
	addrs   []string
	pending []sent
}

type busNet struct {
	bus  *bus
	self string
}

func (n *busNet) Multicast(ctx context.Context, env relay.Envelope) error {
	for _, addr := range n.bus.addrs {
		n.bus.pending = append(n.bus.pending, sent{from: n.self, to: addr, env: env})
	}
	return nil
}

func (n *busNet) Unicast(ctx context.Context, to string, env relay.Envelope) error {
	n.bus.pending = append(n.bus.pending, sent{from: n.self, to: to, env: env})
	return nil
}

var errNetDown = errors.New("network down")

// lossyNet puts envelopes on the bus like busNet but reports every
// multicast as failed, as when some replica could not be reached.
type lossyNet struct {
	busNet
	drop bool
}

func (n *lossyNet) Multicast(ctx context.Context, env relay.Envelope) error {
	if !n.drop {
		n.busNet.Multicast(ctx, env)
	}
	return errNetDown
}

// cluster is a set of total-order engines wired through a bus.
type cluster struct {
	bus     *bus
	engines map[string]*relay.TotalEngine
	sinks   map[string]*recordingSink
}

func newCluster(addrs ...string) *cluster {
	c := &cluster{
		bus:     &bus{addrs: addrs},
		engines: make(map[string]*relay.TotalEngine),
		sinks:   make(map[string]*recordingSink),
	}
	for _, addr := range addrs {
		sink := newRecordingSink()
		c.sinks[addr] = sink
		c.engines[addr] = relay.NewTotalEngine(len(addrs), &busNet{bus: c.bus, self: addr}, sink, silentLogger)
	}
	return c
}

// step handles the i-th pending envelope.
func (c *cluster) step(i int) sent {
	p := c.bus.pending[i]
	c.bus.pending = append(c.bus.pending[:i], c.bus.pending[i+1:]...)
	if engine, ok := c.engines[p.to]; ok {
		engine.Handle(context.Background(), p.from, p.env)
	}
	return p
}

// stepWhere handles, in order, every pending envelope matching fn,
// including ones sent while doing so.
func (c *cluster) stepWhere(fn func(sent) bool) int {
	handled := 0
	for {
		idx := -1
		for i, p := range c.bus.pending {
			if fn(p) {
				idx = i
				break
			}
		}
		if idx < 0 {
			return handled
		}
		c.step(idx)
		handled++
	}
}

func (c *cluster) drain() {
	c.stepWhere(func(sent) bool { return true })
}

func (c *cluster) drainRandom(rng *rand.Rand) {
	for len(c.bus.pending) > 0 {
		c.step(rng.Intn(len(c.bus.pending)))
	}
}

func isPhase(phase relay.Phase) func(sent) bool {
	return func(p sent) bool {
		got, ok := relay.Classify(p.env)
		return ok && got == phase
	}
}

func receive(t *testing.T, ch <-chan core.Datagram) core.Datagram {
	t.Helper()

	select {
	case d, ok := <-ch:
		if !ok {
			t.Fatal("channel closed")
		}
		return d
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for a datagram")
	}
	return core.Datagram{}
}

func expectNothing(t *testing.T, ch <-chan core.Datagram, wait time.Duration) {
	t.Helper()

	select {
	case d := <-ch:
		t.Fatalf("unexpected datagram from %s: %q", d.From, d.Data)
	case <-time.After(wait):
	}
}
