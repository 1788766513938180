package relay_test

import (
	"testing"

	"github.com/usernamenenad/ordered-chat/impl/relay"
)

func TestRegistry(t *testing.T) {
	r := relay.NewRegistry()

	c, created := r.Lookup("10.0.0.7:4000")
	if !created {
		t.Fatal("first Lookup should create the client")
	}
	if c.Nick != "10.0.0.7" || c.InRoom() {
		t.Errorf("new client: got nick %q, room %d", c.Nick, c.Room)
	}

	if again, created := r.Lookup("10.0.0.7:4000"); created || again != c {
		t.Error("second Lookup should return the same client")
	}
	r.Lookup("10.0.0.8:4000")

	c.Join(3)
	if got := r.InRoom(3); len(got) != 1 || got[0] != c {
		t.Errorf("InRoom(3): got %v", got)
	}

	if !r.Remove("10.0.0.7:4000") || r.Len() != 1 {
		t.Errorf("Remove: len %d, want 1", r.Len())
	}
	if _, ok := r.Get("10.0.0.7:4000"); ok {
		t.Error("removed client still registered")
	}
}

func TestClient_Counters(t *testing.T) {
	c := relay.NewClient("10.0.0.7:4000")

	c.Join(1)
	if a, b := c.NextSeq(), c.NextSeq(); a != 0 || b != 1 {
		t.Errorf("room 1 seqs: got %d, %d", a, b)
	}

	c.Join(2)
	if got := c.NextSeq(); got != 0 {
		t.Errorf("room 2 first seq: got %d, want 0", got)
	}

	if left := c.Leave(); left != 2 || c.InRoom() {
		t.Errorf("Leave: got %d, in room %v", left, c.InRoom())
	}

	c.Join(1)
	if got := c.NextSeq(); got != 2 {
		t.Errorf("room 1 after rejoin: got %d, want 2", got)
	}

	if a, b := c.NextId(), c.NextId(); a != 0 || b != 1 {
		t.Errorf("ids: got %d, %d", a, b)
	}

	if p, n := c.PeekSeq(), c.NextSeq(); p != 3 || n != 3 {
		t.Errorf("peeked seq %d, took %d, want 3", p, n)
	}
	if p, n := c.PeekId(), c.NextId(); p != 2 || n != 2 {
		t.Errorf("peeked id %d, took %d, want 2", p, n)
	}
}
