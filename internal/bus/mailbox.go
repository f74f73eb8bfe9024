package bus

import "sync"

// mailbox is an unbounded FIFO feeding a single handler goroutine. Publishers
// never block on slow subscribers and nothing is dropped.
type mailbox struct {
	mu     sync.Mutex
	queue  []Event
	wake   chan struct{}
	closed bool
	done   chan struct{}
}

func newMailbox() *mailbox {
	return &mailbox{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (m *mailbox) put(ev Event) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.queue = append(m.queue, ev)
	m.mu.Unlock()

	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// next blocks until an event is queued or the mailbox is closed.
func (m *mailbox) next() (Event, bool) {
	for {
		m.mu.Lock()
		if m.closed {
			m.mu.Unlock()
			return Event{}, false
		}
		if len(m.queue) > 0 {
			ev := m.queue[0]
			m.queue[0] = Event{}
			m.queue = m.queue[1:]
			m.mu.Unlock()
			return ev, true
		}
		m.mu.Unlock()

		select {
		case <-m.wake:
		case <-m.done:
		}
	}
}

// open reports whether a dequeued event may still be handed to the handler.
func (m *mailbox) open() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.closed
}

func (m *mailbox) close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	m.queue = nil
	close(m.done)
	m.mu.Unlock()
}

// run drains the mailbox into h until closed.
func (m *mailbox) run(f Filter, h Handler) {
	for {
		ev, ok := m.next()
		if !ok {
			return
		}
		if !f.Allows(ev) || !m.open() {
			continue
		}
		h(ev)
	}
}
