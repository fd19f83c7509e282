package rtc

import (
	"context"
	"errors"
	"sync"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

func DefaultWebRTCConfig() webrtc.Configuration {
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{
			{
				URLs: []string{"stun:stun.l.google.com:19302"},
			},
		},
	}
}

// PeerConnection is one pairwise call between the local session and remote.
type PeerConnection struct {
	pc     *webrtc.PeerConnection
	remote string
	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	pending       []webrtc.ICECandidateInit
	remoteDescSet bool
	closed        bool

	onICE    func(webrtc.ICECandidateInit)
	onTrack  func(ctx context.Context, track *webrtc.TrackRemote)
	onFailed func(error)
	onClosed func()
	onLocal  func() // hangup notification for the remote side
}

func NewPeerConnection(cfg webrtc.Configuration, remote string) (*PeerConnection, error) {
	pc, err := webrtc.NewPeerConnection(cfg)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PeerConnection{pc: pc, remote: remote, ctx: ctx, cancel: cancel}, nil
}

func (c *PeerConnection) PeerID() string { return c.remote }

// Start wires pion callbacks. Application callbacks must be set before.
func (c *PeerConnection) Start() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("remote", c.remote).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("remote", c.remote).Str("peer_connection_state", s.String()).Msg("Peer state")
		switch s {
		case webrtc.PeerConnectionStateFailed:
			if c.markClosed() && c.onFailed != nil {
				c.onFailed(errors.New("peer connection failed"))
			}
			c.shutdown()
		case webrtc.PeerConnectionStateClosed:
			if c.markClosed() && c.onClosed != nil {
				c.onClosed()
			}
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand != nil && c.onICE != nil {
			c.onICE(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("remote", c.remote).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		if c.onTrack != nil {
			c.onTrack(c.ctx, track)
		}
	})
}

// AddLocalTracks attaches the shared local tracks and drains RTCP for each.
func (c *PeerConnection) AddLocalTracks(stream *LocalStream) error {
	for _, t := range stream.Tracks() {
		sender, err := c.pc.AddTrack(t.Track)
		if err != nil {
			return err
		}
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

func (c *PeerConnection) CreateOffer() (*webrtc.SessionDescription, error) {
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *PeerConnection) ApplyOfferAndCreateAnswer(offer webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	if err := c.setRemote(offer); err != nil {
		return nil, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return nil, err
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return nil, err
	}
	return c.pc.LocalDescription(), nil
}

func (c *PeerConnection) ApplyAnswer(answer webrtc.SessionDescription) error {
	return c.setRemote(answer)
}

// setRemote applies the description and flushes candidates that arrived early.
func (c *PeerConnection) setRemote(desc webrtc.SessionDescription) error {
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return err
	}
	c.mu.Lock()
	c.remoteDescSet = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ci := range pending {
		if err := c.pc.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "webrtc").Str("remote", c.remote).Msg("add buffered ice candidate")
		}
	}
	return nil
}

func (c *PeerConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if !c.remoteDescSet {
		c.pending = append(c.pending, ci)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	return c.pc.AddICECandidate(ci)
}

func (c *PeerConnection) markClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	c.closed = true
	return true
}

func (c *PeerConnection) shutdown() {
	c.cancel()
	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("remote", c.remote).Msg("close error")
	}
}

// Close hangs up locally. No close callback fires for a local hangup.
func (c *PeerConnection) Close() {
	if !c.markClosed() {
		return
	}
	if c.onLocal != nil {
		c.onLocal()
	}
	c.shutdown()
	log.Info().Str("module", "webrtc").Str("remote", c.remote).Msg("closed")
}

func (c *PeerConnection) OnICECandidate(fn func(webrtc.ICECandidateInit)) { c.onICE = fn }

// OnTrack sets application-level callback for remote tracks.
func (c *PeerConnection) OnTrack(fn func(ctx context.Context, track *webrtc.TrackRemote)) {
	c.onTrack = fn
}

func (c *PeerConnection) OnFailed(fn func(error)) { c.onFailed = fn }

// OnClosed fires when the remote side or the network closes the connection.
func (c *PeerConnection) OnClosed(fn func()) { c.onClosed = fn }

func (c *PeerConnection) onLocalClose(fn func()) { c.onLocal = fn }
