package relay

import (
	"fmt"
)

// Validator checks decoded envelopes before they reach an engine.
type Validator struct{}

func NewValidator() *Validator {
	return &Validator{}
}

// Validate reports why env can not be handled, or nil.
func (v *Validator) Validate(env Envelope) error {
	if env == nil {
		return fmt.Errorf("%w: nil envelope", ErrInvalid)
	}
	if !env.GetRoom().Valid() {
		return fmt.Errorf("%w: room %d", ErrInvalid, env.GetRoom())
	}

	switch e := env.(type) {
	case *Unordered:
		return nil
	case *FifoRelay:
		return v.checkSender(e.Sender, e.Seq, "seq")
	case *Normal:
		return v.checkSender(e.Sender, e.LocalId, "id")
	case *Propose:
		if err := v.checkSender(e.Sender, e.LocalId, "id"); err != nil {
			return err
		}
		return checkNonNegative(e.Seq, "seq")
	case *Deliver:
		if err := v.checkSender(e.Sender, e.LocalId, "id"); err != nil {
			return err
		}
		return checkNonNegative(e.Seq, "seq")
	default:
		return fmt.Errorf("%w: unsupported type %T", ErrInvalid, env)
	}
}

// Accepts reports whether env belongs to the configured mode.
func (v *Validator) Accepts(mode Mode, env Envelope) bool {
	switch env.(type) {
	case *Unordered:
		return mode == ModeUnordered
	case *FifoRelay:
		return mode == ModeFifo
	case *Normal, *Propose, *Deliver:
		return mode == ModeTotal
	default:
		return false
	}
}

func (v *Validator) checkSender(sender string, n int, field string) error {
	if sender == "" {
		return fmt.Errorf("%w: empty sender address", ErrInvalid)
	}
	return checkNonNegative(n, field)
}

func checkNonNegative(n int, field string) error {
	if n < 0 {
		return fmt.Errorf("%w: negative %s %d", ErrInvalid, field, n)
	}
	return nil
}
