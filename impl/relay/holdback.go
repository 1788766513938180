package relay

import (
	"slices"

	"github.com/usernamenenad/ordered-chat/core"
)

// NotFound is returned by FindIndex when no entry has the requested key.
const NotFound = -1

// FifoKey finds the FIFO message a sender numbered seq in a room.
type FifoKey struct {
	Sender string
	Room   core.Room
	Seq    int
}

// TotalKey identifies a total-order message regardless of its sequence number.
type TotalKey struct {
	Sender  string
	Room    core.Room
	LocalId int
}

func fifoKeyOf(m *Message) FifoKey {
	return FifoKey{Sender: m.Sender, Room: m.Room, Seq: m.Seq}
}

func totalKeyOf(m *Message) TotalKey {
	return TotalKey{Sender: m.Sender, Room: m.Room, LocalId: m.LocalId}
}

// HoldbackQueue buffers messages that are not deliverable yet. Entries keep
// insertion order until Sort is called. There is no capacity bound.
type HoldbackQueue[K comparable] struct {
	entries []*Message
	keyOf   func(*Message) K
}

func NewHoldbackQueue[K comparable](keyOf func(*Message) K) *HoldbackQueue[K] {
	return &HoldbackQueue[K]{
		keyOf: keyOf,
	}
}

// NewFifoQueue returns a queue looked up by (sender, room, seq).
func NewFifoQueue() *HoldbackQueue[FifoKey] {
	return NewHoldbackQueue(fifoKeyOf)
}

// NewTotalQueue returns a queue looked up by (sender, room, local id).
func NewTotalQueue() *HoldbackQueue[TotalKey] {
	return NewHoldbackQueue(totalKeyOf)
}

func (q *HoldbackQueue[K]) Add(msg *Message) {
	q.entries = append(q.entries, msg)
}

// FindIndex returns the position of the first entry with the given key, or NotFound.
func (q *HoldbackQueue[K]) FindIndex(key K) int {
	return slices.IndexFunc(q.entries, func(m *Message) bool {
		return q.keyOf(m) == key
	})
}

// Find returns the first entry with the given key.
func (q *HoldbackQueue[K]) Find(key K) (*Message, bool) {
	idx := q.FindIndex(key)
	if idx == NotFound {
		return nil, false
	}
	return q.entries[idx], true
}

func (q *HoldbackQueue[K]) Get(index int) *Message {
	return q.entries[index]
}

func (q *HoldbackQueue[K]) RemoveAt(index int) {
	q.entries = slices.Delete(q.entries, index, index+1)
}

// RemoveIf drops every entry matching fn and reports how many were removed.
func (q *HoldbackQueue[K]) RemoveIf(fn func(*Message) bool) int {
	before := len(q.entries)
	q.entries = slices.DeleteFunc(q.entries, fn)
	return before - len(q.entries)
}

// Sort orders the entries with less. The sort is stable.
func (q *HoldbackQueue[K]) Sort(less func(a, b *Message) bool) {
	slices.SortStableFunc(q.entries, func(a, b *Message) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		default:
			return 0
		}
	})
}

// Entries exposes the queue contents in their current order. Callers may
// mutate the messages but not the slice.
func (q *HoldbackQueue[K]) Entries() []*Message {
	return q.entries
}

func (q *HoldbackQueue[K]) Size() int {
	return len(q.entries)
}
