package relay

import "errors"

var (
	ErrMalformed    = errors.New("malformed envelope")
	ErrUnknownPhase = errors.New("unknown total-order phase")
	ErrInvalid      = errors.New("invalid envelope")
	ErrTooLarge     = errors.New("envelope too large for transport")
)
