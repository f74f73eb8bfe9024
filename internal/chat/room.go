// Package chat is the in-call text chat: an append-only message log shared by
// the two participants over its own relay channel.
package chat

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/skillshare-signaling/internal/channel"
	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/mossy-p/skillshare-signaling/internal/relay"
	"github.com/rs/zerolog/log"
)

// Room is the chat between self and one peer. Messages live only as long as
// the Room.
type Room struct {
	ch   *relay.Channel
	self string
	peer string

	// Now stamps outgoing messages.
	Now func() time.Time

	mu        sync.RWMutex
	messages  []models.ChatMessage
	seen      map[string]struct{}
	listeners []chan models.ChatMessage
	closed    bool
	unsub     func()
}

// Join opens the pair's chat channel and starts receiving.
func Join(ctx context.Context, r *relay.Relay, peerID string) (*Room, error) {
	ch, err := r.Open(ctx, channel.Chat(r.Self(), peerID))
	if err != nil {
		return nil, fmt.Errorf("join chat: %w", err)
	}
	room := &Room{
		ch:   ch,
		self: r.Self(),
		peer: peerID,
		Now:  time.Now,
		seen: make(map[string]struct{}),
	}
	unsub, err := ch.Subscribe(ctx, room.receive)
	if err != nil {
		ch.Close()
		return nil, fmt.Errorf("join chat: %w", err)
	}
	room.mu.Lock()
	room.unsub = unsub
	room.mu.Unlock()
	return room, nil
}

// Send appends text to the log and publishes it. Blank input is ignored and
// reported as false. Delivery is best effort: a transport error is logged,
// never returned, and the message stays in the local log.
func (r *Room) Send(ctx context.Context, text string) (models.ChatMessage, bool) {
	text = strings.TrimSpace(text)
	if text == "" {
		return models.ChatMessage{}, false
	}
	msg := models.ChatMessage{
		ID:       uuid.NewString(),
		SenderID: r.self,
		Text:     text,
		Ts:       r.Now().UnixMilli(),
	}
	if !r.append(msg) {
		return models.ChatMessage{}, false
	}

	env, err := models.NewChat(msg)
	if err == nil {
		err = r.ch.Send(ctx, env)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("module", "chat").
			Str("user_id", r.self).
			Str("peer_id", r.peer).
			Msg("chat message not delivered")
	}
	return msg, true
}

func (r *Room) receive(env models.Envelope) {
	if env.Type != models.SignalTypeMessage {
		return
	}
	msg, err := env.Chat()
	if err != nil {
		return
	}
	r.append(msg)
}

// append adds msg unless its id is already in the log.
func (r *Room) append(msg models.ChatMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	if _, dup := r.seen[msg.ID]; dup {
		return false
	}
	r.seen[msg.ID] = struct{}{}
	r.messages = append(r.messages, msg)
	for _, l := range r.listeners {
		select {
		case l <- msg:
		default:
		}
	}
	return true
}

// Messages returns the log in arrival order.
func (r *Room) Messages() []models.ChatMessage {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]models.ChatMessage(nil), r.messages...)
}

// Subscribe returns a channel receiving each new message. A reader that
// falls behind misses messages; Messages still has them.
func (r *Room) Subscribe() <-chan models.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	ch := make(chan models.ChatMessage, 32)
	if r.closed {
		close(ch)
		return ch
	}
	r.listeners = append(r.listeners, ch)
	return ch
}

// Unsubscribe removes and closes a listener channel.
func (r *Room) Unsubscribe(ch <-chan models.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, l := range r.listeners {
		if l == ch {
			close(l)
			r.listeners = append(r.listeners[:i], r.listeners[i+1:]...)
			return
		}
	}
}

// Close leaves the channel and closes every listener. The log stays readable.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	unsub := r.unsub
	listeners := r.listeners
	r.listeners = nil
	r.mu.Unlock()

	if unsub != nil {
		unsub()
	}
	r.ch.Close()
	for _, l := range listeners {
		close(l)
	}
}
