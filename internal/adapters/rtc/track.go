package rtc

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/notelify/internal/core"
)

var ErrTrackStopped = errors.New("track stopped")

type TrackState int32

const (
	TrackStateOk TrackState = iota
	TrackStateMuted
	TrackStateStopped
)

// LocalTrack is one captured track. The same TrackLocalStaticRTP is added to
// every peer connection, so a state change reaches all of them at once.
type LocalTrack struct {
	Kind  core.TrackKind
	Track *webrtc.TrackLocalStaticRTP
	state atomic.Int32 // Zero by default (TrackStateOk)
}

func NewLocalTrack(kind core.TrackKind, streamID string) (*LocalTrack, error) {
	var capability webrtc.RTPCodecCapability
	switch kind {
	case core.TrackAudio:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2}
	case core.TrackVideo:
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000}
	default:
		return nil, errors.New("unknown track kind")
	}
	track, err := webrtc.NewTrackLocalStaticRTP(capability, string(kind)+"-"+uuid.NewString(), streamID)
	if err != nil {
		return nil, err
	}
	return &LocalTrack{Kind: kind, Track: track}, nil
}

func (t *LocalTrack) State() TrackState { return TrackState(t.state.Load()) }

func (t *LocalTrack) SetEnabled(enabled bool) {
	if enabled {
		t.state.CompareAndSwap(int32(TrackStateMuted), int32(TrackStateOk))
		return
	}
	t.state.CompareAndSwap(int32(TrackStateOk), int32(TrackStateMuted))
}

func (t *LocalTrack) Stop() { t.state.Store(int32(TrackStateStopped)) }

// WriteRTP forwards a captured packet to every bound connection. Muted
// tracks drop packets silently.
func (t *LocalTrack) WriteRTP(pkt *rtp.Packet) error {
	switch t.State() {
	case TrackStateStopped:
		return ErrTrackStopped
	case TrackStateMuted:
		return nil
	}
	return t.Track.WriteRTP(pkt)
}

// LocalStream groups the captured tracks of one call.
type LocalStream struct {
	id     string
	tracks map[core.TrackKind]*LocalTrack
	feeds  []*SilenceFeed
}

func NewLocalStream(c core.MediaConstraints) (*LocalStream, error) {
	s := &LocalStream{id: uuid.NewString(), tracks: make(map[core.TrackKind]*LocalTrack)}
	for kind, want := range map[core.TrackKind]bool{core.TrackAudio: c.Audio, core.TrackVideo: c.Video} {
		if !want {
			continue
		}
		t, err := NewLocalTrack(kind, s.id)
		if err != nil {
			return nil, err
		}
		s.tracks[kind] = t
	}
	return s, nil
}

func (s *LocalStream) ID() string { return s.id }

// FeedSilence starts a silence feed on the audio track, if any.
func (s *LocalStream) FeedSilence() {
	t, ok := s.tracks[core.TrackAudio]
	if !ok {
		return
	}
	f := NewSilenceFeed(t)
	f.Start()
	s.feeds = append(s.feeds, f)
}

func (s *LocalStream) Track(kind core.TrackKind) (*LocalTrack, bool) {
	t, ok := s.tracks[kind]
	return t, ok
}

func (s *LocalStream) Tracks() []*LocalTrack {
	out := make([]*LocalTrack, 0, len(s.tracks))
	for _, kind := range []core.TrackKind{core.TrackAudio, core.TrackVideo} {
		if t, ok := s.tracks[kind]; ok {
			out = append(out, t)
		}
	}
	return out
}

func (s *LocalStream) SetEnabled(kind core.TrackKind, enabled bool) {
	if t, ok := s.tracks[kind]; ok {
		t.SetEnabled(enabled)
	}
}

func (s *LocalStream) Enabled(kind core.TrackKind) bool {
	t, ok := s.tracks[kind]
	return ok && t.State() == TrackStateOk
}

func (s *LocalStream) Stop() {
	for _, t := range s.tracks {
		t.Stop()
	}
	for _, f := range s.feeds {
		f.Stop()
	}
}

// RemoteStream collects the tracks received from one peer.
type RemoteStream struct {
	id string

	mu       sync.RWMutex
	tracks   []*webrtc.TrackRemote
	disabled map[core.TrackKind]bool
	stopped  bool
}

func newRemoteStream(id string) *RemoteStream {
	return &RemoteStream{id: id, disabled: make(map[core.TrackKind]bool)}
}

func (s *RemoteStream) ID() string { return s.id }

func (s *RemoteStream) add(t *webrtc.TrackRemote) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *RemoteStream) Tracks() []*webrtc.TrackRemote {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*webrtc.TrackRemote, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// SetEnabled only affects local playback of the remote track.
func (s *RemoteStream) SetEnabled(kind core.TrackKind, enabled bool) {
	s.mu.Lock()
	s.disabled[kind] = !enabled
	s.mu.Unlock()
}

func (s *RemoteStream) Enabled(kind core.TrackKind) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.stopped || s.disabled[kind] {
		return false
	}
	for _, t := range s.tracks {
		if core.TrackKind(t.Kind().String()) == kind {
			return true
		}
	}
	return false
}

func (s *RemoteStream) Stop() {
	s.mu.Lock()
	s.stopped = true
	s.mu.Unlock()
}
