package matchmaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/channel"
	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/mossy-p/skillshare-signaling/internal/store"
)

type fixture struct {
	bus  *bus.Memory
	repo *store.Repo
	mm   *Matchmaker
}

func newFixture(t *testing.T, poll time.Duration) *fixture {
	t.Helper()
	db, err := store.Open(context.Background(), ":memory:")
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	b := bus.NewMemory()
	t.Cleanup(func() {
		b.Close()
		db.Close()
	})
	repo := store.NewRepo(db, b)
	return &fixture{bus: b, repo: repo, mm: New(repo, b, poll)}
}

func (f *fixture) waitSubscribed(t *testing.T, channels ...string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for _, ch := range channels {
		for f.bus.Subscribers(ch) == 0 {
			if time.Now().After(deadline) {
				t.Fatalf("no subscriber on %s", ch)
			}
			time.Sleep(5 * time.Millisecond)
		}
	}
}

type watchResult struct {
	match Match
	err   error
}

func (f *fixture) watch(ctx context.Context, userID string) <-chan watchResult {
	out := make(chan watchResult, 1)
	go func() {
		m, err := f.mm.Watch(ctx, userID)
		out <- watchResult{m, err}
	}()
	return out
}

func await(t *testing.T, ch <-chan watchResult) watchResult {
	t.Helper()
	select {
	case r := <-ch:
		return r
	case <-time.After(3 * time.Second):
		t.Fatal("Watch() did not return")
		return watchResult{}
	}
}

func TestEnterPoolValidation(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	tests := []struct {
		name    string
		user    string
		possess []string
		want    []string
	}{
		{"no possess", "u", nil, []string{"Go"}},
		{"blank want", "u", []string{"Go"}, []string{"  ", ""}},
		{"no user", "", []string{"Go"}, []string{"Rust"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.mm.EnterPool(ctx, tt.user, tt.possess, tt.want)
			if !errors.Is(err, models.ErrInvalidSkills) {
				t.Fatalf("EnterPool() error = %v, want ErrInvalidSkills", err)
			}
		})
	}
}

func TestEnterPoolNormalizesAndReplaces(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	if _, err := f.mm.EnterPool(ctx, "alice", []string{" Guitar ", "guitar"}, []string{"Python"}); err != nil {
		t.Fatalf("EnterPool() error = %v", err)
	}
	entry, err := f.mm.EnterPool(ctx, "alice", []string{"Piano"}, []string{"Go", "go "})
	if err != nil {
		t.Fatalf("second EnterPool() error = %v", err)
	}
	if len(entry.PossessSkills) != 1 || entry.PossessSkills[0] != "Piano" {
		t.Errorf("PossessSkills = %v, want [Piano]", entry.PossessSkills)
	}
	if len(entry.WantSkills) != 1 || entry.WantSkills[0] != "Go" {
		t.Errorf("WantSkills = %v, want [Go]", entry.WantSkills)
	}
	if n, _ := f.repo.CountPoolEntries(ctx, "alice"); n != 1 {
		t.Fatalf("pool rows = %d, want 1", n)
	}

	if err := f.mm.LeavePool(ctx, "alice"); err != nil {
		t.Fatalf("LeavePool() error = %v", err)
	}
	if err := f.mm.LeavePool(ctx, "alice"); err != nil {
		t.Fatalf("second LeavePool() error = %v", err)
	}
}

func TestGuitarPythonScenario(t *testing.T) {
	f := newFixture(t, 20*time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if _, err := f.mm.EnterPool(ctx, "user-a", []string{"Guitar"}, []string{"Python"}); err != nil {
		t.Fatalf("EnterPool(a) error = %v", err)
	}
	if _, err := f.mm.EnterPool(ctx, "user-b", []string{"Python"}, []string{"Guitar"}); err != nil {
		t.Fatalf("EnterPool(b) error = %v", err)
	}

	a := f.watch(ctx, "user-a")
	b := f.watch(ctx, "user-b")
	f.waitSubscribed(t, channel.Pool("user-a"), channel.Pool("user-b"))

	pairer := NewPairer(f.repo, PairerConfig{Policy: PolicySkills})
	sessions, err := pairer.Step(ctx)
	if err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if len(sessions) != 1 {
		t.Fatalf("Step() created %d sessions, want 1", len(sessions))
	}

	ra, rb := await(t, a), await(t, b)
	if ra.err != nil || rb.err != nil {
		t.Fatalf("Watch() errors = %v, %v", ra.err, rb.err)
	}
	if ra.match.PeerID != "user-b" || rb.match.PeerID != "user-a" {
		t.Fatalf("peers = %q, %q", ra.match.PeerID, rb.match.PeerID)
	}

	s := sessions[0]
	if s.User1ID != "user-a" || s.User2ID != "user-b" || s.Status != models.SessionStatusActive {
		t.Errorf("session = %+v", s)
	}
	if !channel.IsInitiator("user-a", "user-b") || channel.IsInitiator("user-b", "user-a") {
		t.Error("user-a should be the only initiator")
	}
	if channel.Signaling("user-a", "user-b") != "webrtc:user-a:user-b" {
		t.Errorf("signaling channel = %s", channel.Signaling("user-a", "user-b"))
	}
}

func TestWatchDeliversOnceForManyFirings(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	watched := []string{channel.Pool("me"), channel.Table(store.TableSessions), channel.Table(store.TablePool)}
	result := f.watch(ctx, "me")
	f.waitSubscribed(t, watched...)

	mine, _ := bus.NewRowChange(bus.KindUpdate, store.TablePool, models.WaitingPoolEntry{
		UserID: "me", Status: models.PoolStatusMatched, MatchedWith: "them",
	})
	theirs, _ := bus.NewRowChange(bus.KindUpdate, store.TablePool, models.WaitingPoolEntry{
		UserID: "them", Status: models.PoolStatusMatched, MatchedWith: "me",
	})
	session, _ := bus.NewRowChange(bus.KindInsert, store.TableSessions, models.CallSession{
		ID: "s1", User1ID: "me", User2ID: "them", Status: models.SessionStatusActive,
	})
	for _, p := range []struct {
		ch string
		ev bus.Event
	}{
		{channel.Pool("me"), mine},
		{channel.Table(store.TableSessions), session},
		{channel.Table(store.TablePool), theirs},
	} {
		if err := f.bus.Publish(ctx, p.ch, p.ev); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	r := await(t, result)
	if r.err != nil {
		t.Fatalf("Watch() error = %v", r.err)
	}
	if r.match.PeerID != "them" {
		t.Fatalf("PeerID = %q, want them", r.match.PeerID)
	}
	select {
	case extra := <-result:
		t.Fatalf("Watch() delivered twice: %+v", extra)
	default:
	}
	for _, ch := range watched {
		if n := f.bus.Subscribers(ch); n != 0 {
			t.Errorf("%s still has %d subscribers", ch, n)
		}
	}
}

func TestOfferCountsSuppressed(t *testing.T) {
	f := newFixture(t, time.Hour)
	cell := newMatchCell()

	f.mm.offer(cell, "me", Match{PeerID: "", Source: SourcePoll})
	f.mm.offer(cell, "me", Match{PeerID: "me", Source: SourcePoll})
	for _, src := range []Source{SourcePush, SourceSession, SourcePartner} {
		f.mm.offer(cell, "me", Match{PeerID: "them", Source: src})
	}

	if cell.match != (Match{PeerID: "them", Source: SourcePush}) {
		t.Errorf("match = %+v, want them via push", cell.match)
	}
	if got := f.mm.Suppressed(); got != 2 {
		t.Errorf("Suppressed() = %d, want 2", got)
	}
}

func TestWatchOnceWhenPollRacesEvents(t *testing.T) {
	f := newFixture(t, time.Millisecond)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, u := range []string{"a", "b"} {
		if _, err := f.mm.EnterPool(ctx, u, []string{"x"}, []string{"y"}); err != nil {
			t.Fatalf("EnterPool(%s) error = %v", u, err)
		}
	}
	sessions, err := NewPairer(f.repo, PairerConfig{Policy: PolicyAny}).Step(ctx)
	if err != nil || len(sessions) != 1 {
		t.Fatalf("Step() = %v, %v", sessions, err)
	}

	mine, _ := bus.NewRowChange(bus.KindUpdate, store.TablePool, models.WaitingPoolEntry{
		UserID: "b", Status: models.PoolStatusMatched, MatchedWith: "a",
	})
	theirs, _ := bus.NewRowChange(bus.KindUpdate, store.TablePool, models.WaitingPoolEntry{
		UserID: "a", Status: models.PoolStatusMatched, MatchedWith: "b",
	})
	session, _ := bus.NewRowChange(bus.KindInsert, store.TableSessions, sessions[0])
	watched := []string{channel.Pool("b"), channel.Table(store.TableSessions), channel.Table(store.TablePool)}

	// The store already holds the match, so the poll fires alongside every
	// pushed event on each round.
	for round := 0; round < 10; round++ {
		stop := make(chan struct{})
		published := make(chan struct{})
		go func() {
			defer close(published)
			for {
				select {
				case <-stop:
					return
				default:
				}
				_ = f.bus.Publish(ctx, channel.Pool("b"), mine)
				_ = f.bus.Publish(ctx, channel.Table(store.TableSessions), session)
				_ = f.bus.Publish(ctx, channel.Table(store.TablePool), theirs)
				time.Sleep(100 * time.Microsecond)
			}
		}()

		result := f.watch(ctx, "b")
		r := await(t, result)
		close(stop)
		<-published

		if r.err != nil {
			t.Fatalf("round %d: Watch() error = %v", round, r.err)
		}
		if r.match.PeerID != "a" {
			t.Fatalf("round %d: PeerID = %q, want a", round, r.match.PeerID)
		}
		select {
		case extra := <-result:
			t.Fatalf("round %d: Watch() delivered twice: %+v", round, extra)
		default:
		}
		for _, ch := range watched {
			if n := f.bus.Subscribers(ch); n != 0 {
				t.Errorf("round %d: %s still has %d subscribers", round, ch, n)
			}
		}
	}
}

func TestWatchPollsImmediately(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, u := range []string{"a", "b"} {
		if _, err := f.mm.EnterPool(ctx, u, []string{"x"}, []string{"y"}); err != nil {
			t.Fatalf("EnterPool(%s) error = %v", u, err)
		}
	}
	if _, err := NewPairer(f.repo, PairerConfig{Policy: PolicyAny}).Step(ctx); err != nil {
		t.Fatalf("Step() error = %v", err)
	}

	r := await(t, f.watch(ctx, "b"))
	if r.err != nil {
		t.Fatalf("Watch() error = %v", r.err)
	}
	if r.match != (Match{PeerID: "a", Source: SourcePoll}) {
		t.Fatalf("match = %+v, want a via poll", r.match)
	}
}

func TestWatchFindsActiveSessionWithoutPoolRow(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	for _, u := range []string{"a", "b"} {
		if _, err := f.mm.EnterPool(ctx, u, []string{"x"}, []string{"y"}); err != nil {
			t.Fatalf("EnterPool(%s) error = %v", u, err)
		}
	}
	if _, err := NewPairer(f.repo, PairerConfig{Policy: PolicyAny}).Step(ctx); err != nil {
		t.Fatalf("Step() error = %v", err)
	}
	if _, err := f.repo.Tables().DeleteWhere(ctx, store.TablePool, store.Eq("user_id", "a")); err != nil {
		t.Fatalf("DeleteWhere() error = %v", err)
	}

	r := await(t, f.watch(ctx, "a"))
	if r.err != nil || r.match.PeerID != "b" {
		t.Fatalf("Watch() = %+v, %v; want peer b", r.match, r.err)
	}
}

func TestWatchCancel(t *testing.T) {
	f := newFixture(t, 10*time.Millisecond)
	ctx, cancel := context.WithCancel(context.Background())

	result := f.watch(ctx, "lonely")
	f.waitSubscribed(t, channel.Pool("lonely"))
	cancel()

	r := await(t, result)
	if !errors.Is(r.err, context.Canceled) {
		t.Fatalf("Watch() error = %v, want context.Canceled", r.err)
	}
	if n := f.bus.Subscribers(channel.Pool("lonely")); n != 0 {
		t.Errorf("subscribers after cancel = %d, want 0", n)
	}
}

func TestEndCall(t *testing.T) {
	f := newFixture(t, time.Hour)
	ctx := context.Background()

	for _, u := range []string{"a", "b"} {
		if _, err := f.mm.EnterPool(ctx, u, []string{"x"}, []string{"y"}); err != nil {
			t.Fatalf("EnterPool(%s) error = %v", u, err)
		}
	}
	if _, err := NewPairer(f.repo, PairerConfig{Policy: PolicyAny}).Step(ctx); err != nil {
		t.Fatalf("Step() error = %v", err)
	}

	ended, err := f.mm.EndCall(ctx, "b", "a")
	if err != nil || !ended {
		t.Fatalf("EndCall() = %v, %v; want true", ended, err)
	}
	ended, err = f.mm.EndCall(ctx, "a", "b")
	if err != nil || ended {
		t.Fatalf("second EndCall() = %v, %v; want false", ended, err)
	}
	if _, err := f.mm.ActiveSession(ctx, "a"); !errors.Is(err, models.ErrNotFound) {
		t.Fatalf("ActiveSession() error = %v, want ErrNotFound", err)
	}
	if _, err := f.mm.EndCall(ctx, "a", "a"); err == nil {
		t.Fatal("EndCall() with one user succeeded")
	}
}
