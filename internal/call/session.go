// Package call supervises one call from the moment a partner is known until
// it ends. Everything the call runs happens behind Session.Run, which turns
// any failure, panics included, into a terminal Status.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/skillshare-signaling/internal/bus"
	"github.com/mossy-p/skillshare-signaling/internal/channel"
	"github.com/mossy-p/skillshare-signaling/internal/chat"
	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/mossy-p/skillshare-signaling/internal/peer"
	"github.com/mossy-p/skillshare-signaling/internal/relay"
	"github.com/mossy-p/skillshare-signaling/internal/store"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// Recovery is the single action offered to the user after a call stops.
type Recovery string

const (
	RecoveryNone        Recovery = ""
	RecoveryReenterPool Recovery = "reenter_pool"
	RecoveryReload      Recovery = "reload"
)

// Status is the outcome of Run.
type Status struct {
	State    peer.State
	Err      error
	Recovery Recovery
}

// Ender records the end of a call in the store.
type Ender interface {
	EndCall(ctx context.Context, userID, peerID string) (bool, error)
}

// Config wires a Session.
type Config struct {
	Self  string
	Peer  string
	Bus   bus.Bus
	Media peer.LocalMedia
	Ender Ender

	NewPeerConnection func() (peer.PeerConnection, error)

	MediaPollInterval time.Duration
	MediaPollAttempts int
}

// Session is one call between Self and Peer.
type Session struct {
	cfg    Config
	relay  *relay.Relay
	logger zerolog.Logger

	mu      sync.Mutex
	machine *peer.Machine
	room    *chat.Room
	unwatch bus.Subscription

	hangup       chan struct{}
	hangupOnce   sync.Once
	remoteEnded  chan struct{}
	remoteOnce   sync.Once
	teardownOnce sync.Once
}

// New creates a Session. Nothing happens until Run.
func New(cfg Config) *Session {
	return &Session{
		cfg:         cfg,
		relay:       relay.New(cfg.Bus, cfg.Self),
		logger:      log.With().Str("module", "call").Str("user_id", cfg.Self).Str("peer_id", cfg.Peer).Logger(),
		hangup:      make(chan struct{}),
		remoteEnded: make(chan struct{}),
	}
}

// Run executes the call and returns once it is over: hung up locally or
// remotely, failed, or ctx cancelled. Run never panics.
func (s *Session) Run(ctx context.Context) (st Status) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().Interface("panic", r).Msg("call supervisor recovered")
			s.teardown()
			st = Status{State: peer.StateFailed, Err: fmt.Errorf("call crashed: %v", r), Recovery: RecoveryReload}
		}
	}()

	if s.cfg.Self == "" || s.cfg.Peer == "" || s.cfg.Self == s.cfg.Peer {
		return Status{State: peer.StateFailed, Err: errors.New("call needs two distinct participants"), Recovery: RecoveryReenterPool}
	}

	pc, err := s.cfg.NewPeerConnection()
	if err != nil {
		s.teardown()
		return Status{State: peer.StateFailed, Err: fmt.Errorf("peer connection: %w", err), Recovery: RecoveryReload}
	}

	sig, err := s.relay.Open(ctx, channel.Signaling(s.cfg.Self, s.cfg.Peer))
	if err != nil {
		_ = pc.Close()
		s.teardown()
		return Status{State: peer.StateFailed, Err: err, Recovery: RecoveryReenterPool}
	}

	// Chat has its own channel so it works even when negotiation stalls.
	room, err := chat.Join(ctx, s.relay, s.cfg.Peer)
	if err != nil {
		s.logger.Warn().Err(err).Msg("chat unavailable")
	}

	machine := peer.NewMachine(peer.Config{
		Self:              s.cfg.Self,
		Peer:              s.cfg.Peer,
		PC:                pc,
		Media:             s.cfg.Media,
		Signaling:         sig,
		MediaPollInterval: s.cfg.MediaPollInterval,
		MediaPollAttempts: s.cfg.MediaPollAttempts,
	})

	s.mu.Lock()
	s.machine = machine
	s.room = room
	s.mu.Unlock()

	s.watchRemoteHangup(ctx)

	if err := machine.Start(ctx); err != nil {
		s.teardown()
		sig.Close()
		return s.status(machine)
	}

	select {
	case <-machine.Done():
	case <-s.hangup:
	case <-s.remoteEnded:
		s.logger.Info().Msg("peer ended the call")
	case <-ctx.Done():
	}
	s.teardown()
	sig.Close()
	return s.status(machine)
}

// watchRemoteHangup ends the call when the session row turns ended.
func (s *Session) watchRemoteHangup(ctx context.Context) {
	lo, hi := channel.Slots(s.cfg.Self, s.cfg.Peer)
	sub, err := s.cfg.Bus.Subscribe(ctx, channel.Table(store.TableSessions),
		bus.RowChanges(store.TableSessions, nil, bus.KindUpdate),
		func(ev bus.Event) {
			var cs models.CallSession
			if err := ev.Decode(&cs); err != nil {
				return
			}
			if cs.User1ID == lo && cs.User2ID == hi && cs.Status == models.SessionStatusEnded {
				s.remoteOnce.Do(func() { close(s.remoteEnded) })
			}
		})
	if err != nil {
		s.logger.Warn().Err(err).Msg("remote hangup not watched")
		return
	}
	s.mu.Lock()
	s.unwatch = sub
	s.mu.Unlock()
}

func (s *Session) status(m *peer.Machine) Status {
	st := Status{State: m.State(), Err: m.Err()}
	if st.State == peer.StateFailed {
		st.Recovery = RecoveryReenterPool
	}
	return st
}

// End hangs up: the store records the end and Run returns. Calling End again
// does nothing.
func (s *Session) End(ctx context.Context) error {
	var err error
	s.hangupOnce.Do(func() {
		close(s.hangup)
		if s.cfg.Ender != nil {
			_, err = s.cfg.Ender.EndCall(ctx, s.cfg.Self, s.cfg.Peer)
		}
	})
	return err
}

// Machine returns the negotiation state machine, or nil before Run starts it.
func (s *Session) Machine() *peer.Machine {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.machine
}

// Chat returns the chat room, or nil if it could not be joined.
func (s *Session) Chat() *chat.Room {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.room
}

// SetTrackEnabled mutes or unmutes the local audio or video.
func (s *Session) SetTrackEnabled(kind webrtc.RTPCodecType, enabled bool) {
	if s.cfg.Media != nil {
		s.cfg.Media.SetEnabled(kind, enabled)
	}
}

func (s *Session) teardown() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		machine, room, unwatch := s.machine, s.room, s.unwatch
		s.mu.Unlock()

		if unwatch != nil {
			unwatch.Unsubscribe()
		}
		if machine != nil {
			machine.Close()
		}
		if room != nil {
			room.Close()
		}
		if s.cfg.Media != nil {
			s.cfg.Media.Stop()
		}
	})
}
