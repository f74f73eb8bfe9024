package peer

import (
	"fmt"
	"sync"

	"github.com/mossy-p/skillshare-signaling/internal/models"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// DefaultWebRTCConfig builds a configuration from STUN/TURN URLs. An empty
// list falls back to Google's public STUN server.
func DefaultWebRTCConfig(iceServers []string) webrtc.Configuration {
	if len(iceServers) == 0 {
		iceServers = []string{"stun:stun.l.google.com:19302"}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: iceServers}},
	}
}

// PionConnection adapts a pion PeerConnection to PeerConnection.
type PionConnection struct {
	pc     *webrtc.PeerConnection
	userID string

	mu          sync.Mutex
	onICE       func(models.ICECandidate)
	onTransport func(TransportState)
	onTrack     func(*webrtc.TrackRemote)
}

// NewPionConnection creates a pion PeerConnection for userID.
func NewPionConnection(cfg webrtc.Configuration, userID string) (*PionConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &PionConnection{pc: pc, userID: userID}

	pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(candidateFromPion(cand.ToJSON()))
		}
	})

	pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().
			Str("module", "webrtc").
			Str("user_id", userID).
			Str("peer_connection_state", s.String()).
			Msg("Peer state")
		c.mu.Lock()
		fn := c.onTransport
		c.mu.Unlock()
		if fn != nil {
			fn(transportFromPion(s))
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("user_id", userID).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(track)
			return
		}
		go drain(track)
	})

	return c, nil
}

// OnRemoteTrack replaces the default handling of remote tracks, which reads
// and discards their packets.
func (c *PionConnection) OnRemoteTrack(fn func(*webrtc.TrackRemote)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *PionConnection) AddTracks(media LocalMedia) error {
	for _, t := range media.Tracks() {
		sender, err := c.pc.AddTrack(t)
		if err != nil {
			return fmt.Errorf("add %s track: %w", t.Kind(), err)
		}
		// RTCP has to be read for interceptors to run.
		go func() {
			buf := make([]byte, 1500)
			for {
				if _, _, err := sender.Read(buf); err != nil {
					return
				}
			}
		}()
	}
	return nil
}

func (c *PionConnection) CreateOffer() (models.SessionDescription, error) {
	sd, err := c.pc.CreateOffer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return descriptionFromPion(sd), nil
}

func (c *PionConnection) CreateAnswer() (models.SessionDescription, error) {
	sd, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return models.SessionDescription{}, err
	}
	return descriptionFromPion(sd), nil
}

func (c *PionConnection) SetLocalDescription(sd models.SessionDescription) error {
	return c.pc.SetLocalDescription(descriptionToPion(sd))
}

func (c *PionConnection) SetRemoteDescription(sd models.SessionDescription) error {
	return c.pc.SetRemoteDescription(descriptionToPion(sd))
}

func (c *PionConnection) AddICECandidate(cand models.ICECandidate) error {
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:        cand.Candidate,
		SDPMid:           cand.SDPMid,
		SDPMLineIndex:    cand.SDPMLineIndex,
		UsernameFragment: cand.UsernameFragment,
	})
}

func (c *PionConnection) OnICECandidate(fn func(models.ICECandidate)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *PionConnection) OnTransportStateChange(fn func(TransportState)) {
	c.mu.Lock()
	c.onTransport = fn
	c.mu.Unlock()
}

func (c *PionConnection) Close() error {
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("user_id", c.userID).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("user_id", c.userID).Msg("closed")
	return nil
}

func drain(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func candidateFromPion(ci webrtc.ICECandidateInit) models.ICECandidate {
	return models.ICECandidate{
		Candidate:        ci.Candidate,
		SDPMid:           ci.SDPMid,
		SDPMLineIndex:    ci.SDPMLineIndex,
		UsernameFragment: ci.UsernameFragment,
	}
}

func descriptionFromPion(sd webrtc.SessionDescription) models.SessionDescription {
	return models.SessionDescription{SDP: sd.SDP, Type: sd.Type.String()}
}

func descriptionToPion(sd models.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(sd.Type), SDP: sd.SDP}
}

func transportFromPion(s webrtc.PeerConnectionState) TransportState {
	switch s {
	case webrtc.PeerConnectionStateConnecting:
		return TransportConnecting
	case webrtc.PeerConnectionStateConnected:
		return TransportConnected
	case webrtc.PeerConnectionStateDisconnected:
		return TransportDisconnected
	case webrtc.PeerConnectionStateFailed:
		return TransportFailed
	case webrtc.PeerConnectionStateClosed:
		return TransportClosed
	}
	return TransportNew
}

var _ PeerConnection = (*PionConnection)(nil)
