package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/usernamenenad/ordered-chat/core"
)

// Dispatcher moves envelopes between replicas. Outgoing envelopes are
// encoded and sent to replica forward addresses; incoming datagrams are
// decoded, validated and handed to the bound engine.
type Dispatcher struct {
	config    *Config
	transport core.Transport
	codec     *Codec
	validator *Validator
	engine    Engine

	logger *slog.Logger
}

func NewDispatcher(
	config *Config,
	transport core.Transport,
	codec *Codec,
	logger *slog.Logger,
) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &Dispatcher{
		config:    config,
		transport: transport,
		codec:     codec,
		validator: NewValidator(),
		logger:    logger,
	}
}

// Bind sets the engine that receives dispatched envelopes.
func (d *Dispatcher) Bind(engine Engine) {
	d.engine = engine
}

// Multicast sends env to every replica, this one included. A failed send
// does not stop the others; all failures are returned together.
func (d *Dispatcher) Multicast(ctx context.Context, env Envelope) error {
	data, err := d.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	var errs []error
	for _, r := range d.config.Replicas {
		if err := d.transport.Send(ctx, r.Forward, data); err != nil {
			d.logger.Error("multicast send failed", "replica", r.Id, "addr", r.Forward, "error", err)
			errs = append(errs, fmt.Errorf("send to replica %d: %w", r.Id, err))
		}
	}

	return errors.Join(errs...)
}

// Fits reports ErrTooLarge when env, once encoded, is longer than the
// transport accepts.
func (d *Dispatcher) Fits(env Envelope) error {
	limited, ok := d.transport.(core.Limited)
	if !ok || limited.MaxMessageSize() <= 0 {
		return nil
	}

	data, err := d.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}
	if limit := limited.MaxMessageSize(); len(data) > limit {
		return fmt.Errorf("%w: %d bytes, limit %d", ErrTooLarge, len(data), limit)
	}
	return nil
}

// Unicast sends env to one replica. to may be either address of the
// replica; the envelope always goes to its forward address. Unknown
// addresses are used as given.
func (d *Dispatcher) Unicast(ctx context.Context, to string, env Envelope) error {
	data, err := d.codec.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal: %w", err)
	}

	addr := d.Resolve(to)
	if err := d.transport.Send(ctx, addr, data); err != nil {
		return fmt.Errorf("send to %s: %w", addr, err)
	}
	return nil
}

// Resolve returns the forward address of the replica owning addr, or addr
// itself when no replica does.
func (d *Dispatcher) Resolve(addr string) string {
	if r, ok := d.config.Resolve(addr); ok {
		return r.Forward
	}
	return addr
}

// Dispatch decodes a datagram from a replica and routes it to the engine.
// Malformed or foreign envelopes are dropped and reported.
func (d *Dispatcher) Dispatch(ctx context.Context, from string, data []byte) error {
	if d.engine == nil {
		return fmt.Errorf("no engine bound")
	}

	env, err := d.codec.Unmarshal(data)
	if err != nil {
		return err
	}

	if err := d.validator.Validate(env); err != nil {
		return err
	}

	if !d.validator.Accepts(d.codec.Mode(), env) {
		return fmt.Errorf("%w: %T in %s mode", ErrInvalid, env, d.codec.Mode())
	}

	if phase, ok := Classify(env); ok {
		d.logger.Debug("dispatching", "from", from, "phase", phase.String(), "room", env.GetRoom())
	} else {
		d.logger.Debug("dispatching", "from", from, "room", env.GetRoom())
	}

	d.engine.Handle(ctx, from, env)
	return nil
}
