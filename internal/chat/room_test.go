package chat

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/channel"
	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/mossy-p/skillshare-signaling/internal/relay"
)

// failingBus accepts subscriptions but refuses to publish.
type failingBus struct {
	*bus.Memory
}

func (failingBus) Publish(context.Context, string, bus.Event) error {
	return errors.New("offline")
}

func join(t *testing.T, b bus.Bus, self, peer string) *Room {
	t.Helper()
	room, err := Join(context.Background(), relay.New(b, self), peer)
	if err != nil {
		t.Fatalf("Join(%s) error = %v", self, err)
	}
	t.Cleanup(room.Close)
	return room
}

func waitMessages(t *testing.T, r *Room, n int) []models.ChatMessage {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		msgs := r.Messages()
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("have %d messages, want %d", len(msgs), n)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestChatBetweenTwoRooms(t *testing.T) {
	ctx := context.Background()
	b := bus.NewMemory()
	defer b.Close()

	alice := join(t, b, "alice", "bob")
	bob := join(t, b, "bob", "alice")
	updates := bob.Subscribe()

	sent, ok := alice.Send(ctx, "  hello bob  ")
	if !ok {
		t.Fatal("Send() rejected a message")
	}
	if sent.Text != "hello bob" || sent.SenderID != "alice" || sent.ID == "" || sent.Ts == 0 {
		t.Fatalf("sent = %+v", sent)
	}

	got := waitMessages(t, bob, 1)
	if got[0].ID != sent.ID || got[0].Text != "hello bob" {
		t.Fatalf("bob got %+v, want %+v", got[0], sent)
	}
	select {
	case m := <-updates:
		if m.ID != sent.ID {
			t.Fatalf("listener got %+v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("listener not notified")
	}

	if _, ok := bob.Send(ctx, "hi alice"); !ok {
		t.Fatal("bob.Send() rejected a message")
	}
	waitMessages(t, alice, 2)

	// Alice's own echo must not duplicate her message.
	time.Sleep(50 * time.Millisecond)
	msgs := alice.Messages()
	if len(msgs) != 2 {
		t.Fatalf("alice has %d messages, want 2: %+v", len(msgs), msgs)
	}
	if msgs[0].SenderID != "alice" || msgs[1].SenderID != "bob" {
		t.Fatalf("order = %s, %s", msgs[0].SenderID, msgs[1].SenderID)
	}
}

func TestSendIgnoresBlankInput(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	room := join(t, b, "alice", "bob")
	if _, ok := room.Send(context.Background(), "   "); ok {
		t.Fatal("Send() accepted blank input")
	}
	if n := len(room.Messages()); n != 0 {
		t.Fatalf("messages = %d, want 0", n)
	}
}

func TestSendSwallowsTransportErrors(t *testing.T) {
	b := failingBus{bus.NewMemory()}
	defer b.Close()

	room := join(t, b, "alice", "bob")
	msg, ok := room.Send(context.Background(), "anyone there?")
	if !ok {
		t.Fatal("Send() reported failure for a transport error")
	}
	msgs := room.Messages()
	if len(msgs) != 1 || msgs[0].ID != msg.ID {
		t.Fatalf("messages = %+v, want the optimistic append", msgs)
	}
}

func TestCloseLeavesChannel(t *testing.T) {
	b := bus.NewMemory()
	defer b.Close()

	room := join(t, b, "alice", "bob")
	updates := room.Subscribe()
	if n := b.Subscribers(channel.Chat("alice", "bob")); n != 1 {
		t.Fatalf("subscribers = %d, want 1", n)
	}

	room.Close()
	room.Close()

	if n := b.Subscribers(channel.Chat("alice", "bob")); n != 0 {
		t.Fatalf("subscribers after Close = %d, want 0", n)
	}
	if _, open := <-updates; open {
		t.Fatal("listener channel still open after Close")
	}
}
