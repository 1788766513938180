package relaytcp_test

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
	"time"

	"github.com/usernamenenad/ordered-chat/core"
	"github.com/usernamenenad/ordered-chat/impl/relay"
	relaytcp "github.com/usernamenenad/ordered-chat/transport/relay-tcp"
)

func setupTCPNetwork(t *testing.T, n int) []*relaytcp.TCPTransport {
	t.Helper()

	// Phase 1: start listeners on random ports
	transports := make([]*relaytcp.TCPTransport, n)
	addrs := make([]string, n)
	for i := range transports {
		tr, err := relaytcp.NewTCPTransport("127.0.0.1:0", nil)
		if err != nil {
			t.Fatalf("failed to create transport %d: %v", i, err)
		}
		transports[i] = tr
		addrs[i] = tr.Addr()
	}

	// Phase 2: connect the mesh
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

func TestTCPFullMesh(t *testing.T) {
	transports := setupTCPNetwork(t, 3)

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
}

func TestTCPPreservesOrder(t *testing.T) {
	transports := setupTCPNetwork(t, 2)
	sender, receiver := transports[0], transports[1]

	for i := 0; i < 100; i++ {
		if err := sender.Send(context.Background(), receiver.Addr(), []byte(fmt.Sprint(i))); err != nil {
			t.Fatalf("send %d: %v", i, err)
		}
	}

	for i := 0; i < 100; i++ {
		d := awaitDatagram(t, receiver.Subscribe())
		if string(d.Data) != fmt.Sprint(i) {
			t.Fatalf("message %d: got %q", i, d.Data)
		}
	}
}

func TestTCPEmptyPayload(t *testing.T) {
	transports := setupTCPNetwork(t, 2)

	if err := transports[0].Send(context.Background(), transports[1].Addr(), nil); err != nil {
		t.Fatalf("send: %v", err)
	}
	if d := awaitDatagram(t, transports[1].Subscribe()); len(d.Data) != 0 {
		t.Errorf("got %q, want empty", d.Data)
	}
}

func TestTCPUnknownPeer(t *testing.T) {
	tr, err := relaytcp.NewTCPTransport("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	tr.Connect(nil)

	if err := tr.Send(context.Background(), "127.0.0.1:1", []byte("x")); !errors.Is(err, core.ErrNoPeer) {
		t.Fatalf("got %v, want ErrNoPeer", err)
	}
}

// deadAddr returns a loopback address nothing listens on.
func deadAddr(t *testing.T) string {
	t.Helper()

	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := l.Addr().String()
	l.Close()
	return addr
}

func TestTCPPeerDown(t *testing.T) {
	a, err := relaytcp.NewTCPTransport("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer a.Close()
	b, err := relaytcp.NewTCPTransport("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer b.Close()

	down := deadAddr(t)
	a.Connect([]string{a.Addr(), b.Addr(), down})

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := a.Send(ctx, down, []byte("x")); !errors.Is(err, core.ErrNoPeer) {
		t.Fatalf("send to down peer: got %v, want ErrNoPeer", err)
	}

	// b is reachable; it shows up once its dial completes.
	deadline := time.Now().Add(5 * time.Second)
	for {
		err := a.Send(context.Background(), b.Addr(), []byte("up"))
		if err == nil {
			break
		}
		if !errors.Is(err, core.ErrNoPeer) || time.Now().After(deadline) {
			t.Fatalf("send to live peer: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}
	if d := awaitDatagram(t, b.Subscribe()); string(d.Data) != "up" {
		t.Errorf("got %q, want %q", d.Data, "up")
	}
}

func TestTCPAliasLoopsBack(t *testing.T) {
	tr, err := relaytcp.NewTCPTransport("127.0.0.1:0", nil)
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

func TestTCPLoopbackFullBuffer(t *testing.T) {
	tr, err := relaytcp.NewTCPTransport("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer tr.Close()
	tr.Connect(nil)

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
		if !errors.Is(err, relaytcp.ErrBufferFull) {
			t.Fatalf("got %v, want ErrBufferFull", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("send to self blocked on a full buffer")
	}
}

// A replica whose peer is down keeps serving its clients.
func TestTCPServerWithPeerDown(t *testing.T) {
	up, err := relaytcp.NewTCPTransport("127.0.0.1:0", nil)
	if err != nil {
		t.Fatal(err)
	}
	defer up.Close()

	config := relay.NewConfig([]relay.Replica{
		{Id: 1, Forward: "127.0.0.1:5001", Bind: "127.0.0.1:5001"},
		{Id: 2, Forward: "127.0.0.1:5002", Bind: "127.0.0.1:5002"},
	})
	down := deadAddr(t)
	peers := relay.NewConfig([]relay.Replica{
		{Id: 1, Forward: up.Addr(), Bind: up.Addr()},
		{Id: 2, Forward: down, Bind: down},
	})
	up.Connect(peers.ForwardAddrs())

	clients := relay.NewNetwork()
	server, err := relay.NewServer(1, config, relay.ModeTotal, relay.Links{
		Clients:    clients.Endpoint("127.0.0.1:5001"),
		Peers:      up,
		PeerConfig: peers,
	}, relay.NewStore(), nil)
	if err != nil {
		t.Fatal(err)
	}
	server.Start(context.Background())
	defer server.Stop()

	client := clients.Endpoint("10.0.0.7:4000")
	expect := func(line, want string) {
		t.Helper()
		if err := client.Send(context.Background(), "127.0.0.1:5001", []byte(line)); err != nil {
			t.Fatal(err)
		}
		if d := awaitDatagram(t, client.Subscribe()); string(d.Data) != want {
			t.Fatalf("after %q: got %q, want %q", line, d.Data, want)
		}
	}

	expect("/join 1", "+OK You are now in chat room #1")
	if err := client.Send(context.Background(), "127.0.0.1:5001", []byte("hello")); err != nil {
		t.Fatal(err)
	}
	expect("/nick z", "+OK Nick name set to 'z'")
}
