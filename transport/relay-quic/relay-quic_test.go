package relayquic_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/usernamenenad/ordered-chat/core"
	relayquic "github.com/usernamenenad/ordered-chat/transport/relay-quic"
)

func setupQUICNetwork(t *testing.T, n int, plane relayquic.Plane) []*relayquic.QUICTransport {
	t.Helper()

	transports := make([]*relayquic.QUICTransport, n)
	addrs := make([]string, n)
	for i := range transports {
		tr, err := relayquic.NewQUICTransport("127.0.0.1:0", plane, nil)
		if err != nil {
			t.Fatalf("failed to create QUIC transport %d: %v", i, err)
		}
		transports[i] = tr
		addrs[i] = tr.Addr()
	}

	for _, tr := range transports {
		tr.Connect(addrs)
	}
	t.Cleanup(func() {
		for _, tr := range transports {
			tr.Close()
		}
	})

	for _, tr := range transports {
		tr.WaitForReady()
	}
	return transports
}

func awaitDatagram(t *testing.T, ch <-chan core.Datagram) core.Datagram {
	t.Helper()

	select {
	case d := <-ch:
		return d
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
	}
	return core.Datagram{}
}

func TestQUICFullMesh(t *testing.T) {
	for _, plane := range []relayquic.Plane{relayquic.PlaneDatagram, relayquic.PlaneStream} {
		t.Run(plane.String(), func(t *testing.T) {
			transports := setupQUICNetwork(t, 3, plane)

			for i, from := range transports {
				for j, to := range transports {
					msg := fmt.Sprintf("%d->%d", i, j)
					if err := from.Send(context.Background(), to.Addr(), []byte(msg)); err != nil {
						t.Fatalf("send %s: %v", msg, err)
					}

					d := awaitDatagram(t, to.Subscribe())
					if string(d.Data) != msg {
						t.Errorf("got %q, want %q", d.Data, msg)
					}
					if d.From != from.Addr() {
						t.Errorf("%s: from got %s, want %s", msg, d.From, from.Addr())
					}
				}
			}
		})
	}
}

func TestQUICStreamPreservesOrder(t *testing.T) {
	transports := setupQUICNetwork(t, 2, relayquic.PlaneStream)
	sender, receiver := transports[0], transports[1]

	for i := 0; i < 50; i++ {
		if err := sender.Send(context.Background(), receiver.Addr(), []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for i := 0; i < 50; i++ {
		d := awaitDatagram(t, receiver.Subscribe())
		if string(d.Data) != fmt.Sprint(i) {
			t.Fatalf("message %d: got %q", i, d.Data)
		}
	}
}

func TestQUICUnknownPeer(t *testing.T) {
	transports := setupQUICNetwork(t, 1, relayquic.PlaneDatagram)

	if err := transports[0].Send(context.Background(), "127.0.0.1:1", []byte("x")); !errors.Is(err, core.ErrNoPeer) {
		t.Fatalf("got %v, want ErrNoPeer", err)
	}
}

func TestQUICPeerDown(t *testing.T) {
	transports := setupQUICNetwork(t, 2, relayquic.PlaneStream)
	a, b := transports[0], transports[1]

	c, err := relayquic.NewQUICTransport("127.0.0.1:0", relayquic.PlaneStream, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	down := pc.LocalAddr().String()
	pc.Close()

	c.Connect([]string{c.Addr(), a.Addr(), b.Addr(), down})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := c.Send(ctx, down, []byte("x")); !errors.Is(err, core.ErrNoPeer) {
		t.Fatalf("send to down peer: got %v, want ErrNoPeer", err)
	}
	if err := c.Send(ctx, c.Addr(), []byte("self")); err != nil {
		t.Fatalf("send to self: %v", err)
	}
	if d := awaitDatagram(t, c.Subscribe()); string(d.Data) != "self" {
		t.Errorf("got %q, want self", d.Data)
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		err := c.Send(context.Background(), a.Addr(), []byte("up"))
		if err == nil {
			break
		}
		if !errors.Is(err, core.ErrNoPeer) || time.Now().After(deadline) {
			t.Fatalf("send to live peer: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d := awaitDatagram(t, a.Subscribe()); string(d.Data) != "up" {
		t.Errorf("got %q, want up", d.Data)
	}
}

func TestQUICAliasLoopsBack(t *testing.T) {
	tr, err := relayquic.NewQUICTransport("127.0.0.1:0", relayquic.PlaneDatagram, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()

	forward := "192.0.2.1:4000"
	tr.Connect([]string{forward}, forward)

	ready := make(chan struct{})
	go func() {
		tr.WaitForReady()
		close(ready)
	}()
	select {
	case <-ready:
	case <-time.After(time.Second):
		t.Fatal("alias was dialed as a peer")
	}

	if err := tr.Send(context.Background(), forward, []byte("self")); err != nil {
		t.Fatalf("send to alias: %v", err)
	}
	d := awaitDatagram(t, tr.Subscribe())
	if string(d.Data) != "self" || d.From != tr.Addr() {
		t.Errorf("got %q from %s, want %q from %s", d.Data, d.From, "self", tr.Addr())
	}
}

func TestQUICLoopbackFullBuffer(t *testing.T) {
	transports := setupQUICNetwork(t, 1, relayquic.PlaneDatagram)
	tr := transports[0]

	done := make(chan error, 1)
	go func() {
		for i := 0; ; i++ {
			if err := tr.Send(context.Background(), tr.Addr(), []byte(fmt.Sprint(i))); err != nil {
				done <- fmt.Errorf("send %d: %w", i, err)
				return
			}
		}
	}()

	select {
	case err := <-done:
		if !errors.Is(err, relayquic.ErrBufferFull) {
			t.Fatalf("got %v, want ErrBufferFull", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send to self blocked on a full buffer")
	}
}
