package peer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/rs/zerolog/log"
)

// LocalMedia is the local capture session. Ready is closed once capture has
// settled, successfully or not; TrackCount tells which.
type LocalMedia interface {
	Ready() <-chan struct{}
	TrackCount() int
	Tracks() []webrtc.TrackLocal
	SetEnabled(kind webrtc.RTPCodecType, enabled bool)
	Enabled(kind webrtc.RTPCodecType) bool
	Stop()
}

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// StaticMedia is a synthetic capture session made of pion sample tracks. It
// is used by headless participants, which have no devices. Only the audio
// track carries samples (Opus silence); the VP8 track is negotiated so the
// remote side sees a video m-line, but no frames are ever written to it, so
// toggling video only changes what Enabled reports.
type StaticMedia struct {
	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	ready     chan struct{}
	readyOnce sync.Once

	mu      sync.Mutex
	enabled map[webrtc.RTPCodecType]bool
	stopped bool
	cancel  context.CancelFunc
}

// NewStaticMedia creates an Opus audio track and a VP8 video track under
// streamID. Ready stays open until Acquire is called.
func NewStaticMedia(streamID string) (*StaticMedia, error) {
	audio, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("audio track: %w", err)
	}
	video, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		"video", streamID)
	if err != nil {
		return nil, fmt.Errorf("video track: %w", err)
	}
	m := &StaticMedia{audio: audio, video: video, ready: make(chan struct{})}
	m.enabled = map[webrtc.RTPCodecType]bool{
		webrtc.RTPCodecTypeAudio: true,
		webrtc.RTPCodecTypeVideo: true,
	}
	return m, nil
}

// Acquire marks the tracks live and starts feeding silence on the audio
// track until Stop or ctx ends.
func (m *StaticMedia) Acquire(ctx context.Context) {
	m.readyOnce.Do(func() {
		ctx, cancel := context.WithCancel(ctx)
		m.mu.Lock()
		m.cancel = cancel
		m.mu.Unlock()
		close(m.ready)
		go m.pump(ctx)
	})
}

func (m *StaticMedia) pump(ctx context.Context) {
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !m.Enabled(webrtc.RTPCodecTypeAudio) {
				continue
			}
			if err := m.audio.WriteSample(media.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}); err != nil {
				log.Debug().Err(err).Str("module", "media").Msg("write sample")
			}
		}
	}
}

func (m *StaticMedia) Ready() <-chan struct{} { return m.ready }

func (m *StaticMedia) TrackCount() int {
	select {
	case <-m.ready:
	default:
		return 0
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return 0
	}
	return 2
}

func (m *StaticMedia) Tracks() []webrtc.TrackLocal {
	return []webrtc.TrackLocal{m.audio, m.video}
}

// SetEnabled mutes or unmutes one kind of track. A muted audio track stops
// receiving samples.
func (m *StaticMedia) SetEnabled(kind webrtc.RTPCodecType, enabled bool) {
	m.mu.Lock()
	m.enabled[kind] = enabled
	m.mu.Unlock()
}

func (m *StaticMedia) Enabled(kind webrtc.RTPCodecType) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.enabled[kind]
}

// Stop ends capture. It is safe to call more than once.
func (m *StaticMedia) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.stopped = true
	if m.cancel != nil {
		m.cancel()
	}
}

var _ LocalMedia = (*StaticMedia)(nil)
