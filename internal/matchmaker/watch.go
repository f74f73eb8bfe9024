package matchmaker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/channel"
	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/mossy-p/skillshare-signaling/internal/store"
	"github.com/rs/zerolog/log"
)

// Source names the observer that reported a match.
type Source string

const (
	SourcePush    Source = "push"    // own pool row turned matched
	SourcePoll    Source = "poll"    // periodic read
	SourceSession Source = "session" // active session naming the user
	SourcePartner Source = "partner" // another row now points at the user
)

// Match is the single result of a Watch.
type Match struct {
	PeerID string
	Source Source
}

// matchCell accepts the first match and refuses every later one.
type matchCell struct {
	once  sync.Once
	done  chan struct{}
	match Match
}

func newMatchCell() *matchCell {
	return &matchCell{done: make(chan struct{})}
}

func (c *matchCell) set(m Match) bool {
	won := false
	c.once.Do(func() {
		c.match = m
		won = true
		close(c.done)
	})
	return won
}

// Watch blocks until the user has a partner, or ctx ends. Four observers run
// at once: the user's own pool row, a periodic poll, session rows naming the
// user, and pool rows matched to the user. Whichever reports first wins; the
// rest are counted as suppressed. Every subscription and the poll loop are
// stopped before Watch returns.
func (m *Matchmaker) Watch(ctx context.Context, userID string) (Match, error) {
	if userID == "" {
		return Match{}, errors.New("watch: missing user id")
	}

	ctx, cancel := context.WithCancel(ctx)
	cell := newMatchCell()
	var (
		subs []bus.Subscription
		wg   sync.WaitGroup
	)
	defer func() {
		cancel()
		for _, s := range subs {
			s.Unsubscribe()
		}
		wg.Wait()
	}()

	offer := func(match Match) { m.offer(cell, userID, match) }

	observers := []struct {
		channel string
		filter  bus.Filter
		handle  bus.Handler
	}{
		{
			channel: channel.Pool(userID),
			filter:  bus.RowChanges(store.TablePool, nil, bus.KindUpdate),
			handle: func(ev bus.Event) {
				var e models.WaitingPoolEntry
				if err := ev.Decode(&e); err != nil || e.UserID != userID || !e.Matched() {
					return
				}
				offer(Match{PeerID: e.MatchedWith, Source: SourcePush})
			},
		},
		{
			channel: channel.Table(store.TableSessions),
			filter:  bus.RowChanges(store.TableSessions, nil, bus.KindInsert, bus.KindUpdate),
			handle: func(ev bus.Event) {
				var s models.CallSession
				if err := ev.Decode(&s); err != nil || s.Status != models.SessionStatusActive {
					return
				}
				if peer, ok := s.PeerOf(userID); ok {
					offer(Match{PeerID: peer, Source: SourceSession})
				}
			},
		},
		{
			channel: channel.Table(store.TablePool),
			filter:  bus.RowChanges(store.TablePool, nil, bus.KindUpdate),
			handle: func(ev bus.Event) {
				var e models.WaitingPoolEntry
				if err := ev.Decode(&e); err != nil || !e.Matched() || e.MatchedWith != userID {
					return
				}
				offer(Match{PeerID: e.UserID, Source: SourcePartner})
			},
		},
	}
	for _, o := range observers {
		sub, err := m.bus.Subscribe(ctx, o.channel, o.filter, o.handle)
		if err != nil {
			return Match{}, fmt.Errorf("watch %s: %w: %w", o.channel, models.ErrTransportFailure, err)
		}
		subs = append(subs, sub)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		m.pollLoop(ctx, userID, offer)
	}()

	select {
	case <-cell.done:
		return cell.match, nil
	case <-ctx.Done():
		return Match{}, ctx.Err()
	}
}

// offer hands match to cell. Only the first match for a Watch is kept; later
// ones are counted and dropped.
func (m *Matchmaker) offer(cell *matchCell, userID string, match Match) {
	if match.PeerID == "" || match.PeerID == userID {
		return
	}
	if cell.set(match) {
		log.Info().
			Str("module", "matchmaker").
			Str("user_id", userID).
			Str("peer_id", match.PeerID).
			Str("source", string(match.Source)).
			Msg("match found")
		return
	}
	m.suppressed.Add(1)
	log.Debug().
		Str("module", "matchmaker").
		Str("user_id", userID).
		Str("source", string(match.Source)).
		Int64("suppressed_total", m.suppressed.Load()).
		Msg("duplicate match suppressed")
}

// pollLoop reads the store right away and then on every tick.
func (m *Matchmaker) pollLoop(ctx context.Context, userID string, offer func(Match)) {
	ticker := time.NewTicker(m.pollInterval)
	defer ticker.Stop()

	for {
		if match, ok := m.poll(ctx, userID); ok {
			offer(match)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (m *Matchmaker) poll(ctx context.Context, userID string) (Match, bool) {
	entry, err := m.repo.PoolEntry(ctx, userID)
	switch {
	case err == nil && entry.Matched():
		return Match{PeerID: entry.MatchedWith, Source: SourcePoll}, true
	case err != nil && !errors.Is(err, models.ErrNotFound):
		m.logPollError(ctx, userID, err)
		return Match{}, false
	}

	s, err := m.repo.ActiveSessionFor(ctx, userID)
	if err != nil {
		if !errors.Is(err, models.ErrNotFound) {
			m.logPollError(ctx, userID, err)
		}
		return Match{}, false
	}
	peer, _ := s.PeerOf(userID)
	return Match{PeerID: peer, Source: SourcePoll}, true
}

func (m *Matchmaker) logPollError(ctx context.Context, userID string, err error) {
	if ctx.Err() != nil {
		return
	}
	log.Warn().Err(err).Str("module", "matchmaker").Str("user_id", userID).Msg("poll failed")
}
