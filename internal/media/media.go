// Package media acquires local tracks and consumes remote ones.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	pionmedia "github.com/pion/webrtc/v4/pkg/media"

	"github.com/1ureka/duocall/internal/negotiation"
	"github.com/1ureka/duocall/internal/util"
)

// ErrAcquisition is the negotiation layer's media acquisition error.
var ErrAcquisition = negotiation.ErrMediaAcquisition

// Constraints selects which local media kinds are requested. Audio-only and
// audio+video calls share the same negotiation core.
type Constraints struct {
	Audio bool
	Video bool
}

// Empty reports whether nothing is requested.
func (c Constraints) Empty() bool { return !c.Audio && !c.Video }

func (c Constraints) String() string {
	switch {
	case c.Audio && c.Video:
		return "audio+video"
	case c.Audio:
		return "audio"
	case c.Video:
		return "video"
	}
	return "none"
}

// RemoteTrack is the read side of an incoming media track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

var _ RemoteTrack = (*webrtc.TrackRemote)(nil)

// Sink receives packets from remote tracks.
type Sink interface {
	WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) error
	// Detach stops the sink; readers attached to it stop after their next
	// packet. Calling Detach more than once is allowed.
	Detach()
	Detached() <-chan struct{}
}

// Capability acquires local media and routes remote media to sinks.
type Capability interface {
	Acquire(ctx context.Context, c Constraints) (*Handle, error)
	AttachRemote(sink Sink, track RemoteTrack) error
}

// ---------------------------------------------------------------------------
// Handle
// ---------------------------------------------------------------------------

// Handle is a set of acquired local tracks. Sessions hold it without owning
// it; the acquirer releases it with Release.
type Handle struct {
	Constraints Constraints
	StreamID    string

	audio *webrtc.TrackLocalStaticSample
	video *webrtc.TrackLocalStaticSample

	once     sync.Once
	released chan struct{}
}

// Tracks returns the local tracks in a stable order (audio first).
func (h *Handle) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if h.audio != nil {
		tracks = append(tracks, h.audio)
	}
	if h.video != nil {
		tracks = append(tracks, h.video)
	}
	return tracks
}

// opusSilence is a single 20 ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// PumpSilence writes Opus silence to the audio track every 20 ms until ctx is
// done or the handle is released. It returns immediately without an audio
// track.
func (h *Handle) PumpSilence(ctx context.Context) {
	if h.audio == nil {
		return
	}
	ticker := time.NewTicker(20 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := h.audio.WriteSample(pionmedia.Sample{Data: opusSilence, Duration: 20 * time.Millisecond}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
				util.LogDebug("media: write silence: %v", err)
			}
		case <-ctx.Done():
			return
		case <-h.released:
			return
		}
	}
}

// Release stops anything pumping into the handle's tracks.
func (h *Handle) Release() {
	h.once.Do(func() { close(h.released) })
}

// Released reports whether Release was called.
func (h *Handle) Released() bool {
	select {
	case <-h.released:
		return true
	default:
		return false
	}
}

// ---------------------------------------------------------------------------
// Static capability
// ---------------------------------------------------------------------------

// Static hands out sample-based local tracks (Opus audio, VP8 video). Allow
// models what the user permitted: requesting a kind that is not allowed
// fails the way a denied capture prompt would.
type Static struct {
	Allow Constraints
}

var _ Capability = (*Static)(nil)

func (s *Static) Acquire(ctx context.Context, c Constraints) (*Handle, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAcquisition, err)
	}
	if c.Empty() {
		return nil, fmt.Errorf("%w: no media kinds requested", ErrAcquisition)
	}
	if c.Audio && !s.Allow.Audio {
		return nil, fmt.Errorf("%w: audio capture denied", ErrAcquisition)
	}
	if c.Video && !s.Allow.Video {
		return nil, fmt.Errorf("%w: video capture denied", ErrAcquisition)
	}

	h := &Handle{
		Constraints: c,
		StreamID:    uuid.NewString(),
		released:    make(chan struct{}),
	}

	var err error
	if c.Audio {
		h.audio, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
			"audio", h.StreamID)
		if err != nil {
			return nil, fmt.Errorf("%w: audio track: %v", ErrAcquisition, err)
		}
	}
	if c.Video {
		h.video, err = webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
			"video", h.StreamID)
		if err != nil {
			return nil, fmt.Errorf("%w: video track: %v", ErrAcquisition, err)
		}
	}

	util.LogDebug("media: acquired %s (stream %s)", c, h.StreamID)
	return h, nil
}

// AttachRemote reads track on a new goroutine and forwards every packet to
// sink until the track ends or the sink is detached.
func (s *Static) AttachRemote(sink Sink, track RemoteTrack) error {
	select {
	case <-sink.Detached():
		return fmt.Errorf("sink already detached")
	default:
	}

	go func() {
		for {
			pkt, _, err := track.ReadRTP()
			if err != nil {
				if !errors.Is(err, io.EOF) {
					util.LogDebug("media: remote %s track %s ended: %v", track.Kind(), track.ID(), err)
				}
				return
			}
			select {
			case <-sink.Detached():
				return
			default:
			}
			if err := sink.WriteRTP(track.Kind(), pkt); err != nil {
				return
			}
		}
	}()
	return nil
}

// ---------------------------------------------------------------------------
// Sinks
// ---------------------------------------------------------------------------

// DiscardSink drops remote media after counting its payload bytes.
type DiscardSink struct {
	mu      sync.Mutex
	packets map[webrtc.RTPCodecType]int

	once     sync.Once
	detached chan struct{}
}

var _ Sink = (*DiscardSink)(nil)

func NewDiscardSink() *DiscardSink {
	return &DiscardSink{
		packets:  make(map[webrtc.RTPCodecType]int),
		detached: make(chan struct{}),
	}
}

func (d *DiscardSink) WriteRTP(kind webrtc.RTPCodecType, pkt *rtp.Packet) error {
	select {
	case <-d.detached:
		return io.ErrClosedPipe
	default:
	}
	d.mu.Lock()
	d.packets[kind]++
	d.mu.Unlock()
	util.Stats.AddMediaRecv(len(pkt.Payload))
	return nil
}

// Packets returns how many packets of kind were consumed.
func (d *DiscardSink) Packets(kind webrtc.RTPCodecType) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.packets[kind]
}

func (d *DiscardSink) Detach()                   { d.once.Do(func() { close(d.detached) }) }
func (d *DiscardSink) Detached() <-chan struct{} { return d.detached }
