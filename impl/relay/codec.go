package relay

import (
	"encoding/json"
	"fmt"

	"github.com/usernamenenad/ordered-chat/core"
)

// wireMessage is the JSON representation shared by every envelope shape.
// Pointer fields distinguish a missing field from a zero value.
type wireMessage struct {
	Type *string `json:"type,omitempty"`
	Nick *string `json:"nick,omitempty"`
	Room *int    `json:"room,omitempty"`
	Text *string `json:"text,omitempty"`
	Seq  *int    `json:"seq,omitempty"`
	Addr *string `json:"addr,omitempty"`
	Id   *int    `json:"id,omitempty"`
}

// Codec serializes envelopes for one ordering mode. Decoding needs the mode
// because FIFO and unordered envelopes carry no type tag.
type Codec struct {
	mode Mode
}

func NewCodec(mode Mode) *Codec {
	return &Codec{
		mode: mode,
	}
}

func (c *Codec) Mode() Mode {
	return c.mode
}

func (c *Codec) Marshal(env Envelope) ([]byte, error) {
	w, err := c.toWire(env)
	if err != nil {
		return nil, err
	}
	return json.Marshal(w)
}

func (c *Codec) Unmarshal(data []byte) (Envelope, error) {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return c.fromWire(&w)
}

func (c *Codec) toWire(env Envelope) (*wireMessage, error) {
	switch e := env.(type) {
	case *Unordered:
		return &wireMessage{
			Nick: &e.Nick,
			Room: roomPtr(e.Room),
			Text: &e.Text,
		}, nil
	case *FifoRelay:
		return &wireMessage{
			Nick: &e.Nick,
			Room: roomPtr(e.Room),
			Text: &e.Text,
			Seq:  &e.Seq,
			Addr: &e.Sender,
		}, nil
	case *Normal:
		return &wireMessage{
			Type: phasePtr(PhaseNormal),
			Nick: &e.Nick,
			Room: roomPtr(e.Room),
			Text: &e.Text,
			Addr: &e.Sender,
			Id:   &e.LocalId,
		}, nil
	case *Propose:
		return &wireMessage{
			Type: phasePtr(PhasePropose),
			Room: roomPtr(e.Room),
			Seq:  &e.Seq,
			Addr: &e.Sender,
			Id:   &e.LocalId,
		}, nil
	case *Deliver:
		return &wireMessage{
			Type: phasePtr(PhaseDeliver),
			Nick: &e.Nick,
			Room: roomPtr(e.Room),
			Text: &e.Text,
			Seq:  &e.Seq,
			Addr: &e.Sender,
			Id:   &e.LocalId,
		}, nil
	default:
		return nil, fmt.Errorf("unsupported envelope type: %T", env)
	}
}

func (c *Codec) fromWire(w *wireMessage) (Envelope, error) {
	switch c.mode {
	case ModeUnordered:
		if w.Nick == nil || w.Room == nil || w.Text == nil {
			return nil, missing("nick, room, text")
		}
		return &Unordered{Nick: *w.Nick, Room: core.Room(*w.Room), Text: *w.Text}, nil

	case ModeFifo:
		if w.Nick == nil || w.Room == nil || w.Text == nil || w.Seq == nil || w.Addr == nil {
			return nil, missing("nick, room, text, seq, addr")
		}
		return &FifoRelay{
			Nick:   *w.Nick,
			Room:   core.Room(*w.Room),
			Text:   *w.Text,
			Seq:    *w.Seq,
			Sender: *w.Addr,
		}, nil

	case ModeTotal:
		return c.fromWireTotal(w)

	default:
		return nil, fmt.Errorf("%w: unknown mode %d", ErrMalformed, c.mode)
	}
}

func (c *Codec) fromWireTotal(w *wireMessage) (Envelope, error) {
	if w.Type == nil {
		return nil, missing("type")
	}
	phase, err := parsePhase(*w.Type)
	if err != nil {
		return nil, err
	}

	if w.Addr == nil || w.Id == nil || w.Room == nil {
		return nil, missing("addr, id, room")
	}

	switch phase {
	case PhaseNormal:
		if w.Nick == nil || w.Text == nil {
			return nil, missing("nick, text")
		}
		return &Normal{
			Nick:    *w.Nick,
			Room:    core.Room(*w.Room),
			Text:    *w.Text,
			Sender:  *w.Addr,
			LocalId: *w.Id,
		}, nil

	case PhasePropose:
		if w.Seq == nil {
			return nil, missing("seq")
		}
		return &Propose{
			Sender:  *w.Addr,
			LocalId: *w.Id,
			Room:    core.Room(*w.Room),
			Seq:     *w.Seq,
		}, nil

	default:
		if w.Seq == nil || w.Nick == nil || w.Text == nil {
			return nil, missing("seq, nick, text")
		}
		return &Deliver{
			Sender:  *w.Addr,
			LocalId: *w.Id,
			Room:    core.Room(*w.Room),
			Text:    *w.Text,
			Nick:    *w.Nick,
			Seq:     *w.Seq,
		}, nil
	}
}

func missing(fields string) error {
	return fmt.Errorf("%w: missing one of %s", ErrMalformed, fields)
}

func roomPtr(r core.Room) *int {
	v := int(r)
	return &v
}

func phasePtr(p Phase) *string {
	s := p.String()
	return &s
}
