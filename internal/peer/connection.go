package peer

import (
	"github.com/mossy-p/skillshare-signaling/internal/models"
)

// PeerConnection is the media negotiation object the Machine drives.
// Callbacks may be invoked from any goroutine.
type PeerConnection interface {
	AddTracks(media LocalMedia) error
	CreateOffer() (models.SessionDescription, error)
	CreateAnswer() (models.SessionDescription, error)
	SetLocalDescription(sd models.SessionDescription) error
	SetRemoteDescription(sd models.SessionDescription) error
	AddICECandidate(c models.ICECandidate) error
	OnICECandidate(fn func(models.ICECandidate))
	OnTransportStateChange(fn func(TransportState))
	Close() error
}
