// Package relay carries signaling and chat envelopes between the two
// participants of a call over a named bus channel.
package relay

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/rs/zerolog/log"
)

// ErrChannelClosed is returned by Send and Subscribe after Close.
var ErrChannelClosed = errors.New("relay channel closed")

// Relay opens channels on behalf of one participant.
type Relay struct {
	bus  bus.Bus
	self string
}

// New creates a relay for the participant self.
func New(b bus.Bus, self string) *Relay {
	return &Relay{bus: b, self: self}
}

// Self returns the participant id.
func (r *Relay) Self() string { return r.self }

// Open returns a handle on the named channel. Nothing is received until a
// handler is subscribed.
func (r *Relay) Open(ctx context.Context, name string) (*Channel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, errors.New("relay: empty channel name")
	}
	return &Channel{bus: r.bus, name: name, self: r.self}, nil
}

// Channel is one open relay channel.
type Channel struct {
	bus  bus.Bus
	name string
	self string

	mu     sync.Mutex
	closed bool
	subs   map[*channelSub]struct{}
}

type channelSub struct {
	once sync.Once
	sub  bus.Subscription
}

// Name returns the bus channel name.
func (c *Channel) Name() string { return c.name }

// Self returns the sender id stamped on local envelopes.
func (c *Channel) Self() string { return c.self }

// Send validates env and publishes it.
func (c *Channel) Send(ctx context.Context, env models.Envelope) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}

	if err := env.Validate(); err != nil {
		return err
	}
	ev, err := bus.NewBroadcast(string(env.Type), env)
	if err != nil {
		return fmt.Errorf("encode %s: %w", env.Type, err)
	}
	if err := c.bus.Publish(ctx, c.name, ev); err != nil {
		return fmt.Errorf("send %s on %s: %w: %w", env.Type, c.name, models.ErrTransportFailure, err)
	}
	return nil
}

// Subscribe delivers every valid envelope on the channel to h, in bus order
// and including the participant's own. Invalid envelopes are logged and
// dropped. The returned func unsubscribes and may be called more than once.
func (c *Channel) Subscribe(ctx context.Context, h func(models.Envelope)) (func(), error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, ErrChannelClosed
	}
	c.mu.Unlock()

	sub, err := c.bus.Subscribe(ctx, c.name, bus.Filter{Kinds: []bus.Kind{bus.KindBroadcast}}, func(ev bus.Event) {
		var env models.Envelope
		if err := ev.Decode(&env); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("channel", c.name).Msg("undecodable envelope dropped")
			return
		}
		if err := env.Validate(); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("channel", c.name).Msg("invalid envelope dropped")
			return
		}
		h(env)
	})
	if err != nil {
		return nil, fmt.Errorf("subscribe %s: %w: %w", c.name, models.ErrTransportFailure, err)
	}

	cs := &channelSub{sub: sub}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		sub.Unsubscribe()
		return nil, ErrChannelClosed
	}
	if c.subs == nil {
		c.subs = make(map[*channelSub]struct{})
	}
	c.subs[cs] = struct{}{}
	c.mu.Unlock()

	return func() {
		cs.once.Do(func() {
			c.mu.Lock()
			delete(c.subs, cs)
			c.mu.Unlock()
			cs.sub.Unsubscribe()
		})
	}, nil
}

// SubscribeRemote is Subscribe without the participant's own envelopes.
func (c *Channel) SubscribeRemote(ctx context.Context, h func(models.Envelope)) (func(), error) {
	return c.Subscribe(ctx, func(env models.Envelope) {
		if env.SenderID == c.self {
			return
		}
		h(env)
	})
}

// Close drops every subscription. Later calls do nothing.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()

	for cs := range subs {
		cs.once.Do(cs.sub.Unsubscribe)
	}
}
