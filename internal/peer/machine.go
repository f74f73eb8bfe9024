// Package peer drives one side of a call's media negotiation: it waits for
// local media, exchanges offer, answer and ICE candidates over the relay and
// follows the transport until the call ends.
package peer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mossy-p/skillshare-signaling/internal/channel"
	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/mossy-p/skillshare-signaling/internal/relay"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ErrMachineClosed is returned by Start when Close won the race.
var ErrMachineClosed = errors.New("peer machine closed")

// Config wires a Machine.
type Config struct {
	Self      string
	Peer      string
	PC        PeerConnection
	Media     LocalMedia
	Signaling *relay.Channel

	// The media wait gives up after MediaPollAttempts checks spaced
	// MediaPollInterval apart.
	MediaPollInterval time.Duration
	MediaPollAttempts int
}

// Machine is the negotiation state machine for one call.
type Machine struct {
	cfg       Config
	initiator bool
	logger    zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// opMu serializes negotiation steps and guards the candidate buffer.
	opMu      sync.Mutex
	pending   []models.ICECandidate
	remoteSet bool

	// mu guards the observable state only. It is never held across a call
	// into the PeerConnection.
	mu        sync.Mutex
	state     State
	err       error
	listeners []chan State
	done      chan struct{}
	unsub     func()

	closeOnce sync.Once
}

// NewMachine creates an idle machine.
func NewMachine(cfg Config) *Machine {
	if cfg.MediaPollInterval <= 0 {
		cfg.MediaPollInterval = 100 * time.Millisecond
	}
	if cfg.MediaPollAttempts <= 0 {
		cfg.MediaPollAttempts = 100
	}
	logger := log.With().
		Str("module", "peer").
		Str("user_id", cfg.Self).
		Str("peer_id", cfg.Peer).
		Logger()
	ctx, cancel := context.WithCancel(context.Background())
	return &Machine{
		cfg:       cfg,
		initiator: channel.IsInitiator(cfg.Self, cfg.Peer),
		logger:    logger,
		ctx:       ctx,
		cancel:    cancel,
		state:     StateIdle,
		done:      make(chan struct{}),
	}
}

// Initiator reports whether this side sends the offer.
func (m *Machine) Initiator() bool { return m.initiator }

// State returns the current state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Err returns the reason for StateFailed, or nil.
func (m *Machine) Err() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.err
}

// States returns a channel receiving every later state change. Slow readers
// miss intermediate states; Done and State always tell the final one.
func (m *Machine) States() <-chan State {
	ch := make(chan State, 8)
	m.mu.Lock()
	m.listeners = append(m.listeners, ch)
	m.mu.Unlock()
	return ch
}

// Done is closed when the machine reaches StateClosed or StateFailed.
func (m *Machine) Done() <-chan struct{} { return m.done }

// PendingCandidates returns how many remote candidates are buffered.
func (m *Machine) PendingCandidates() int {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	return len(m.pending)
}

// Start waits for local media, attaches it, subscribes to the signaling
// channel and, on the initiating side, sends the offer. Negotiation never
// begins without local tracks.
func (m *Machine) Start(ctx context.Context) error {
	if !m.transition(StateIdle, StateAwaitingLocalMedia) {
		return fmt.Errorf("start: machine is %s", m.State())
	}

	if err := m.awaitMedia(ctx); err != nil {
		m.fail(err)
		return err
	}
	if err := m.cfg.PC.AddTracks(m.cfg.Media); err != nil {
		err = fmt.Errorf("attach tracks: %w: %w", models.ErrMediaAccessDenied, err)
		m.fail(err)
		return err
	}

	m.cfg.PC.OnICECandidate(m.sendCandidate)
	m.cfg.PC.OnTransportStateChange(m.onTransport)

	unsub, err := m.cfg.Signaling.SubscribeRemote(ctx, m.handle)
	if err != nil {
		m.fail(err)
		return err
	}
	m.mu.Lock()
	m.unsub = unsub
	m.mu.Unlock()

	if !m.transition(StateAwaitingLocalMedia, StateNegotiating) {
		unsub()
		return ErrMachineClosed
	}

	if m.initiator {
		if err := m.sendOffer(); err != nil {
			m.fail(err)
			return err
		}
	}
	return nil
}

// awaitMedia returns once the capture session reports a track. The ready
// signal short-circuits the bounded poll.
func (m *Machine) awaitMedia(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.MediaPollInterval)
	defer ticker.Stop()

	for attempt := 1; ; attempt++ {
		if m.cfg.Media.TrackCount() > 0 {
			return nil
		}
		if attempt >= m.cfg.MediaPollAttempts {
			return fmt.Errorf("%w: no local track after %d checks", models.ErrMediaAccessDenied, attempt)
		}
		select {
		case <-m.cfg.Media.Ready():
			if m.cfg.Media.TrackCount() > 0 {
				return nil
			}
			return fmt.Errorf("%w: capture produced no tracks", models.ErrMediaAccessDenied)
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		case <-m.ctx.Done():
			return ErrMachineClosed
		}
	}
}

func (m *Machine) sendOffer() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	offer, err := m.cfg.PC.CreateOffer()
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := m.cfg.PC.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	env, err := models.NewOffer(m.cfg.Self, offer)
	if err != nil {
		return err
	}
	if err := m.cfg.Signaling.Send(m.ctx, env); err != nil {
		return err
	}
	m.logger.Info().Msg("offer sent")
	return nil
}

// handle processes one remote envelope. A failing step is logged and the
// session carries on.
func (m *Machine) handle(env models.Envelope) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if m.State().Terminal() {
		return
	}

	var err error
	switch env.Type {
	case models.SignalTypeOffer:
		err = m.acceptOffer(env)
	case models.SignalTypeAnswer:
		err = m.acceptAnswer(env)
	case models.SignalTypeCandidate:
		err = m.acceptCandidate(env)
	}
	if err != nil {
		m.logger.Error().Err(err).Str("type", string(env.Type)).Msg("signaling step failed")
	}
}

func (m *Machine) acceptOffer(env models.Envelope) error {
	sd, err := env.Description()
	if err != nil {
		return err
	}
	if err := m.cfg.PC.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	m.remoteSet = true
	m.flush()

	answer, err := m.cfg.PC.CreateAnswer()
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := m.cfg.PC.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	reply, err := models.NewAnswer(m.cfg.Self, answer)
	if err != nil {
		return err
	}
	if err := m.cfg.Signaling.Send(m.ctx, reply); err != nil {
		return err
	}
	m.logger.Info().Msg("answer sent")
	return nil
}

func (m *Machine) acceptAnswer(env models.Envelope) error {
	sd, err := env.Description()
	if err != nil {
		return err
	}
	if err := m.cfg.PC.SetRemoteDescription(sd); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	m.remoteSet = true
	m.flush()
	return nil
}

func (m *Machine) acceptCandidate(env models.Envelope) error {
	c, err := env.Candidate()
	if err != nil {
		return err
	}
	if !m.remoteSet {
		m.pending = append(m.pending, c)
		return nil
	}
	if err := m.cfg.PC.AddICECandidate(c); err != nil {
		return fmt.Errorf("add candidate: %w", err)
	}
	return nil
}

// flush applies buffered candidates in arrival order and empties the buffer.
// Caller holds opMu.
func (m *Machine) flush() {
	for _, c := range m.pending {
		if err := m.cfg.PC.AddICECandidate(c); err != nil {
			m.logger.Warn().Err(err).Str("candidate", c.Candidate).Msg("buffered candidate rejected")
		}
	}
	m.pending = nil
}

func (m *Machine) sendCandidate(c models.ICECandidate) {
	if m.State().Terminal() {
		return
	}
	env, err := models.NewCandidate(m.cfg.Self, c)
	if err != nil {
		m.logger.Warn().Err(err).Msg("local candidate dropped")
		return
	}
	if err := m.cfg.Signaling.Send(m.ctx, env); err != nil {
		m.logger.Warn().Err(err).Msg("local candidate not sent")
	}
}

func (m *Machine) onTransport(s TransportState) {
	switch s {
	case TransportConnected:
		m.transition(StateNegotiating, StateConnected)
	case TransportDisconnected, TransportFailed:
		m.fail(fmt.Errorf("%w: transport %s", models.ErrTransportFailure, s))
	}
}

// Close releases the connection and the relay subscription and drops any
// buffered candidates. A failed machine keeps StateFailed. Later calls do
// nothing.
func (m *Machine) Close() {
	m.closeOnce.Do(func() {
		m.mu.Lock()
		if !m.state.Terminal() {
			m.setStateLocked(StateClosed)
		}
		unsub := m.unsub
		m.unsub = nil
		m.mu.Unlock()

		m.cancel()
		if unsub != nil {
			unsub()
		}

		m.opMu.Lock()
		m.pending = nil
		m.opMu.Unlock()

		if err := m.cfg.PC.Close(); err != nil {
			m.logger.Warn().Err(err).Msg("close peer connection")
		}
	})
}

func (m *Machine) transition(from, to State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state != from {
		return false
	}
	m.setStateLocked(to)
	return true
}

func (m *Machine) fail(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Terminal() {
		return
	}
	m.err = err
	m.setStateLocked(StateFailed)
	m.logger.Error().Err(err).Msg("call failed")
}

func (m *Machine) setStateLocked(s State) {
	m.state = s
	for _, ch := range m.listeners {
		select {
		case ch <- s:
		default:
		}
	}
	if s.Terminal() {
		close(m.done)
	}
	m.logger.Info().Str("state", s.String()).Msg("state changed")
}
