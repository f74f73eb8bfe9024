package bus

import (
	"context"
	"sync"
)

// Memory is an in-process Bus. It backs single-node deployments and tests.
type Memory struct {
	mu     sync.RWMutex
	subs   map[string]map[*memorySub]struct{}
	closed bool
}

type memorySub struct {
	bus     *Memory
	channel string
	box     *mailbox
	once    sync.Once
}

// NewMemory creates an empty in-process bus.
func NewMemory() *Memory {
	return &Memory{subs: make(map[string]map[*memorySub]struct{})}
}

// Publish enqueues ev for every current subscriber of channel.
func (m *Memory) Publish(ctx context.Context, channel string, ev Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrClosed
	}
	for s := range m.subs[channel] {
		s.box.put(ev)
	}
	return nil
}

// Subscribe registers h on channel. Registration is synchronous.
func (m *Memory) Subscribe(ctx context.Context, channel string, f Filter, h Handler) (Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s := &memorySub{bus: m, channel: channel, box: newMailbox()}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if m.subs[channel] == nil {
		m.subs[channel] = make(map[*memorySub]struct{})
	}
	m.subs[channel][s] = struct{}{}
	m.mu.Unlock()

	go s.box.run(f, h)
	return s, nil
}

// Subscribers returns the number of live subscriptions on channel.
func (m *Memory) Subscribers(channel string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.subs[channel])
}

// Close drops every subscription.
func (m *Memory) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	subs := m.subs
	m.subs = make(map[string]map[*memorySub]struct{})
	m.mu.Unlock()

	for _, set := range subs {
		for s := range set {
			s.box.close()
		}
	}
	return nil
}

func (s *memorySub) Unsubscribe() {
	s.once.Do(func() {
		s.bus.mu.Lock()
		if set, ok := s.bus.subs[s.channel]; ok {
			delete(set, s)
			if len(set) == 0 {
				delete(s.bus.subs, s.channel)
			}
		}
		s.bus.mu.Unlock()
		s.box.close()
	})
}
