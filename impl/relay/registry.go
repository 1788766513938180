package relay

import (
	"net"
	"slices"

	"github.com/usernamenenad/ordered-chat/core"
)

// Client is one chat client known to this replica.
type Client struct {
	Addr string
	Nick string
	Room core.Room

	seqs   map[core.Room]int
	nextId int
}

// NewClient creates a client outside any room whose nick is its IP address.
func NewClient(addr string) *Client {
	nick := addr
	if host, _, err := net.SplitHostPort(addr); err == nil {
		nick = host
	}

	return &Client{
		Addr: addr,
		Nick: nick,
		Room: core.NoRoom,
		seqs: make(map[core.Room]int),
	}
}

func (c *Client) InRoom() bool {
	return c.Room.Valid()
}

func (c *Client) Join(room core.Room) {
	c.Room = room
}

func (c *Client) SetNick(nick string) {
	c.Nick = nick
}

// Leave takes the client out of its room and returns the room it left.
func (c *Client) Leave() core.Room {
	old := c.Room
	c.Room = core.NoRoom
	return old
}

// NextSeq returns the FIFO number for the client's next message to its
// current room. Numbers start at 0 per room and survive leaving the room.
func (c *Client) NextSeq() int {
	seq := c.seqs[c.Room]
	c.seqs[c.Room] = seq + 1
	return seq
}

// PeekSeq returns the number the next NextSeq call hands out.
func (c *Client) PeekSeq() int {
	return c.seqs[c.Room]
}

// PeekId returns the id the next NextId call hands out.
func (c *Client) PeekId() int {
	return c.nextId
}

// NextId returns the client's next total-order local id.
func (c *Client) NextId() int {
	id := c.nextId
	c.nextId++
	return id
}

// Registry tracks the clients of one replica in arrival order.
type Registry struct {
	clients []*Client
}

func NewRegistry() *Registry {
	return &Registry{}
}

// Lookup returns the client at addr, creating it if needed. The second
// result is true when the client was created.
func (r *Registry) Lookup(addr string) (*Client, bool) {
	if c, ok := r.Get(addr); ok {
		return c, false
	}

	c := NewClient(addr)
	r.clients = append(r.clients, c)
	return c, true
}

func (r *Registry) Get(addr string) (*Client, bool) {
	idx := slices.IndexFunc(r.clients, func(c *Client) bool {
		return c.Addr == addr
	})
	if idx < 0 {
		return nil, false
	}
	return r.clients[idx], true
}

func (r *Registry) Remove(addr string) bool {
	before := len(r.clients)
	r.clients = slices.DeleteFunc(r.clients, func(c *Client) bool {
		return c.Addr == addr
	})
	return len(r.clients) != before
}

// InRoom returns the clients currently in room.
func (r *Registry) InRoom(room core.Room) []*Client {
	var out []*Client
	for _, c := range r.clients {
		if c.Room == room {
			out = append(out, c)
		}
	}
	return out
}

func (r *Registry) Len() int {
	return len(r.clients)
}
