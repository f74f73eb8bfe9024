package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

// Redis is a Bus over Redis pub/sub. Redis preserves publish order per
// channel on a single subscriber connection, which gives the per-channel FIFO
// the relay relies on.
type Redis struct {
	client *redis.Client

	mu     sync.Mutex
	subs   map[*redisSub]struct{}
	closed bool
}

type redisSub struct {
	bus     *Redis
	channel string
	ps      *redis.PubSub
	box     *mailbox
	once    sync.Once
}

// NewRedis wraps an already connected client. The bus does not own the client.
func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client, subs: make(map[*redisSub]struct{})}
}

// Publish encodes ev as JSON and publishes it on channel.
func (r *Redis) Publish(ctx context.Context, channel string, ev Event) error {
	r.mu.Lock()
	closed := r.closed
	r.mu.Unlock()
	if closed {
		return ErrClosed
	}

	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := r.client.Publish(ctx, channel, data).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// Subscribe opens a dedicated pub/sub connection for channel and waits for
// the server to confirm the subscription before returning.
func (r *Redis) Subscribe(ctx context.Context, channel string, f Filter, h Handler) (Subscription, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	r.mu.Unlock()

	ps := r.client.Subscribe(ctx, channel)
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("subscribe %s: %w", channel, err)
	}

	s := &redisSub{bus: r, channel: channel, ps: ps, box: newMailbox()}
	r.mu.Lock()
	r.subs[s] = struct{}{}
	r.mu.Unlock()

	go s.read()
	go s.box.run(f, h)
	return s, nil
}

// Close unsubscribes everything. The underlying client is left open.
func (r *Redis) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	subs := r.subs
	r.subs = make(map[*redisSub]struct{})
	r.mu.Unlock()

	for s := range subs {
		s.Unsubscribe()
	}
	return nil
}

func (s *redisSub) read() {
	for msg := range s.ps.Channel() {
		var ev Event
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			log.Warn().Err(err).Str("module", "bus").Str("channel", msg.Channel).Msg("dropping undecodable event")
			continue
		}
		s.box.put(ev)
	}
}

func (s *redisSub) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		delete(s.bus.subs, s)
		s.bus.mu.Unlock()

		s.box.close()
		if err := s.ps.Close(); err != nil {
			log.Debug().Err(err).Str("module", "bus").Str("channel", s.channel).Msg("pubsub close")
		}
	})
}
