package main

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"testing"
	"time"

	relayudp "github.com/usernamenenad/ordered-chat/transport/relay-udp"
)

func TestRunSendsLinesUntilQuit(t *testing.T) {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	server, err := relayudp.NewUDPTransport("127.0.0.1:0", logger)
	if err != nil {
		t.Fatal(err)
	}
	defer server.Close()

	in := strings.NewReader("/join 1\n\nhello\n/quit\nnever sent\n")
	if err := run(context.Background(), server.Addr(), in, io.Discard, logger); err != nil {
		t.Fatalf("run: %v", err)
	}

	for _, want := range []string{"/join 1", "hello", "/quit"} {
		select {
		case d := <-server.Subscribe():
			if string(d.Data) != want {
				t.Fatalf("got %q, want %q", d.Data, want)
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out waiting for %q", want)
		}
	}

	select {
	case d := <-server.Subscribe():
		t.Fatalf("unexpected datagram %q after /quit", d.Data)
	case <-time.After(100 * time.Millisecond):
	}
}
