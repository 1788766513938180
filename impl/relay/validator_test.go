package relay_test

import (
	"errors"
	"testing"

	"github.com/usernamenenad/ordered-chat/impl/relay"
)

func TestValidator_Validate(t *testing.T) {
	v := relay.NewValidator()

	tests := []struct {
		name  string
		env   relay.Envelope
		valid bool
	}{
		{"unordered", &relay.Unordered{Nick: "n", Room: 1, Text: "t"}, true},
		{"room zero", &relay.Unordered{Nick: "n", Room: 0, Text: "t"}, false},
		{"negative room", &relay.Normal{Room: -2, Sender: alice}, false},
		{"fifo", &relay.FifoRelay{Room: 1, Sender: alice, Seq: 0}, true},
		{"fifo negative seq", &relay.FifoRelay{Room: 1, Sender: alice, Seq: -1}, false},
		{"normal without sender", &relay.Normal{Room: 1, LocalId: 0}, false},
		{"propose", &relay.Propose{Room: 1, Sender: alice, LocalId: 2, Seq: 1}, true},
		{"propose negative id", &relay.Propose{Room: 1, Sender: alice, LocalId: -1, Seq: 1}, false},
		{"deliver negative seq", &relay.Deliver{Room: 1, Sender: alice, Seq: -4}, false},
		{"nil", nil, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.env)
			if tt.valid && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tt.valid && !errors.Is(err, relay.ErrInvalid) {
				t.Errorf("got %v, want ErrInvalid", err)
			}
		})
	}
}

func TestValidator_Accepts(t *testing.T) {
	v := relay.NewValidator()

	if !v.Accepts(relay.ModeTotal, &relay.Deliver{}) {
		t.Error("total mode should accept DELIVER")
	}
	if v.Accepts(relay.ModeFifo, &relay.Normal{}) {
		t.Error("fifo mode should reject NORMAL")
	}
	if v.Accepts(relay.ModeUnordered, &relay.FifoRelay{}) {
		t.Error("unordered mode should reject fifo envelopes")
	}
}
