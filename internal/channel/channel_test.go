package channel

import "testing"

func TestPairKeyIsSymmetric(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"bob", "alice"},
		{"0f9c", "0f9b"},
		{"user-10", "user-9"},
		{"same", "same"},
	}
	for _, p := range pairs {
		a, b := p[0], p[1]
		if Signaling(a, b) != Signaling(b, a) {
			t.Errorf("Signaling(%q,%q) = %q, reversed = %q", a, b, Signaling(a, b), Signaling(b, a))
		}
		if Chat(a, b) != Chat(b, a) {
			t.Errorf("Chat(%q,%q) not symmetric", a, b)
		}
	}
}

func TestChannelNames(t *testing.T) {
	tests := []struct {
		got, want string
	}{
		{Signaling("b", "a"), "webrtc:a:b"},
		{Chat("b", "a"), "chat:a:b"},
		{Pool("u1"), "pool:u1"},
		{Table("call_sessions"), "table:call_sessions"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("got %q, want %q", tt.got, tt.want)
		}
	}
}

func TestExactlyOneInitiator(t *testing.T) {
	pairs := [][2]string{
		{"alice", "bob"},
		{"Zed", "abe"},
		{"7c1e", "7c1f"},
		{"user-10", "user-9"},
	}
	for _, p := range pairs {
		a, b := p[0], p[1]
		first := IsInitiator(a, b)
		if first == IsInitiator(b, a) {
			t.Fatalf("pair (%q,%q): both sides agree initiator=%v", a, b, first)
		}
		for i := 0; i < 10; i++ {
			if IsInitiator(a, b) != first {
				t.Fatalf("pair (%q,%q): unstable initiator", a, b)
			}
		}
		if first != (a < b) {
			t.Errorf("pair (%q,%q): initiator should be the smaller id", a, b)
		}
	}
}

func TestSlots(t *testing.T) {
	u1, u2 := Slots("zoe", "amy")
	if u1 != "amy" || u2 != "zoe" {
		t.Fatalf("Slots = (%q,%q), want (amy,zoe)", u1, u2)
	}
	if PairKey("zoe", "amy") != u1+":"+u2 {
		t.Fatalf("PairKey = %q, want slot order", PairKey("zoe", "amy"))
	}
}
