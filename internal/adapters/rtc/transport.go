// Package rtc carries call media over pion WebRTC. Offers, answers and ICE
// candidates travel as broadcasts on a per-room signaling channel.
package rtc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/notelify/internal/core"
)

const signalEvent = "signal"

var ErrSessionClosed = errors.New("transport session closed")

// Devices describes what local capture hardware the agent can open.
type Devices struct {
	Audio            bool
	Video            bool
	PermissionDenied bool
}

// Transport implements core.PeerTransport on pion.
type Transport struct {
	channels core.ChannelFactory
	devices  Devices
}

func NewTransport(channels core.ChannelFactory, devices Devices) *Transport {
	return &Transport{channels: channels, devices: devices}
}

func (t *Transport) Open(_ context.Context, c core.MediaConstraints) (core.MediaStream, error) {
	if t.devices.PermissionDenied {
		return nil, &core.MediaAccessError{Reason: core.MediaPermissionDenied}
	}
	if (c.Audio && !t.devices.Audio) || (c.Video && !t.devices.Video) {
		return nil, &core.MediaAccessError{Reason: core.MediaNotFound}
	}
	stream, err := NewLocalStream(c)
	if err != nil {
		return nil, &core.MediaAccessError{Reason: core.MediaUnknown, Err: err}
	}
	stream.FeedSilence()
	return stream, nil
}

func (t *Transport) CreateSession(ctx context.Context, room string, iceServers []webrtc.ICEServer) (core.TransportSession, error) {
	cfg := DefaultWebRTCConfig()
	if len(iceServers) > 0 {
		cfg.ICEServers = iceServers
	}
	s := &Session{
		id:      uuid.NewString(),
		cfg:     cfg,
		channel: t.channels.Channel("rtc:" + room),
		conns:   make(map[string]*PeerConnection),
		early:   make(map[string][]webrtc.ICECandidateInit),
	}
	if err := s.channel.Subscribe(ctx, core.ChannelHandlers{OnBroadcast: s.onSignal}); err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransportConnection, err)
	}
	log.Info().Str("module", "rtc").Str("peer_id", s.id).Str("room", room).Msg("transport session open")
	return s, nil
}

type signalType string

const (
	signalOffer     signalType = "offer"
	signalAnswer    signalType = "answer"
	signalCandidate signalType = "candidate"
	signalHangup    signalType = "hangup"
)

type signalMessage struct {
	Type      signalType               `json:"type"`
	From      string                   `json:"from"`
	To        string                   `json:"to"`
	SDP       string                   `json:"sdp,omitempty"`
	Candidate *webrtc.ICECandidateInit `json:"candidate,omitempty"`
}

// Session is the local transport endpoint. Handlers run on the signaling
// channel's goroutine or on pion's.
type Session struct {
	id      string
	cfg     webrtc.Configuration
	channel core.SignalChannel

	mu     sync.Mutex
	conns  map[string]*PeerConnection
	early  map[string][]webrtc.ICECandidateInit // candidates before the offer
	closed bool

	onIncoming func(string, func(core.MediaStream) (core.MediaConnection, error))
	onStream   func(string, core.MediaStream)
	onClose    func(string)
	onError    func(string, error)
}

func (s *Session) ID() string { return s.id }

func (s *Session) OnIncomingCall(fn func(string, func(core.MediaStream) (core.MediaConnection, error))) {
	s.mu.Lock()
	s.onIncoming = fn
	s.mu.Unlock()
}

func (s *Session) OnRemoteStream(fn func(string, core.MediaStream)) {
	s.mu.Lock()
	s.onStream = fn
	s.mu.Unlock()
}

func (s *Session) OnClose(fn func(string)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *Session) OnError(fn func(string, error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

func (s *Session) Call(remoteID string, stream core.MediaStream) (core.MediaConnection, error) {
	local, ok := stream.(*LocalStream)
	if !ok {
		return nil, fmt.Errorf("%w: unsupported stream %T", core.ErrTransportConnection, stream)
	}
	conn, err := s.newConn(remoteID, local)
	if err != nil {
		return nil, err
	}
	offer, err := conn.CreateOffer()
	if err != nil {
		s.forget(remoteID, conn)
		conn.Close()
		return nil, fmt.Errorf("%w: create offer: %v", core.ErrTransportConnection, err)
	}
	if err := s.send(signalMessage{Type: signalOffer, To: remoteID, SDP: offer.SDP}); err != nil {
		s.forget(remoteID, conn)
		conn.Close()
		return nil, fmt.Errorf("%w: send offer: %v", core.ErrTransportConnection, err)
	}
	return conn, nil
}

func (s *Session) newConn(remoteID string, local *LocalStream) (*PeerConnection, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.mu.Unlock()

	conn, err := NewPeerConnection(s.cfg, remoteID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrTransportConnection, err)
	}
	remote := newRemoteStream(remoteID)
	conn.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		if err := s.send(signalMessage{Type: signalCandidate, To: remoteID, Candidate: &ci}); err != nil {
			log.Warn().Err(err).Str("module", "rtc").Str("remote", remoteID).Msg("send candidate")
		}
	})
	conn.OnTrack(func(ctx context.Context, track *webrtc.TrackRemote) {
		remote.add(track)
		s.mu.Lock()
		fn := s.onStream
		s.mu.Unlock()
		if fn != nil {
			fn(remoteID, remote)
		}
		go drain(ctx, remoteID, track)
	})
	conn.OnFailed(func(err error) {
		if !s.forget(remoteID, conn) {
			return
		}
		s.mu.Lock()
		fn := s.onError
		s.mu.Unlock()
		if fn != nil {
			fn(remoteID, err)
		}
	})
	conn.OnClosed(func() { s.remoteClosed(remoteID, conn) })
	conn.onLocalClose(func() {
		s.forget(remoteID, conn)
		if err := s.send(signalMessage{Type: signalHangup, To: remoteID}); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("remote", remoteID).Msg("send hangup")
		}
	})
	conn.Start()

	if err := conn.AddLocalTracks(local); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: add tracks: %v", core.ErrTransportConnection, err)
	}

	s.mu.Lock()
	old := s.conns[remoteID]
	s.conns[remoteID] = conn
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return conn, nil
}

// forget drops conn if it is still the current connection to remoteID.
func (s *Session) forget(remoteID string, conn *PeerConnection) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[remoteID] != conn {
		return false
	}
	delete(s.conns, remoteID)
	return true
}

func (s *Session) remoteClosed(remoteID string, conn *PeerConnection) {
	if !s.forget(remoteID, conn) {
		return
	}
	s.mu.Lock()
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn(remoteID)
	}
}

func (s *Session) send(msg signalMessage) error {
	msg.From = s.id
	return s.channel.Broadcast(context.Background(), signalEvent, msg)
}

func (s *Session) onSignal(event string, payload json.RawMessage) {
	if event != signalEvent {
		return
	}
	var msg signalMessage
	if err := json.Unmarshal(payload, &msg); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Msg("bad signal payload")
		return
	}
	if msg.To != s.id {
		return
	}
	switch msg.Type {
	case signalOffer:
		s.handleOffer(msg)
	case signalAnswer:
		s.handleAnswer(msg)
	case signalCandidate:
		s.handleCandidate(msg)
	case signalHangup:
		s.handleHangup(msg)
	}
}

func (s *Session) handleOffer(msg signalMessage) {
	s.mu.Lock()
	fn, closed := s.onIncoming, s.closed
	s.mu.Unlock()
	if closed || fn == nil {
		return
	}

	answer := func(stream core.MediaStream) (core.MediaConnection, error) {
		local, ok := stream.(*LocalStream)
		if !ok {
			return nil, fmt.Errorf("%w: unsupported stream %T", core.ErrTransportConnection, stream)
		}
		conn, err := s.newConn(msg.From, local)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		early := s.early[msg.From]
		delete(s.early, msg.From)
		s.mu.Unlock()
		for _, ci := range early {
			_ = conn.AddICECandidate(ci)
		}

		desc, err := conn.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: msg.SDP})
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: apply offer: %v", core.ErrTransportConnection, err)
		}
		if err := s.send(signalMessage{Type: signalAnswer, To: msg.From, SDP: desc.SDP}); err != nil {
			conn.Close()
			return nil, fmt.Errorf("%w: send answer: %v", core.ErrTransportConnection, err)
		}
		return conn, nil
	}
	fn(msg.From, answer)
}

func (s *Session) handleAnswer(msg signalMessage) {
	conn, ok := s.conn(msg.From)
	if !ok {
		log.Warn().Str("module", "rtc").Str("remote", msg.From).Msg("answer: no connection")
		return
	}
	if err := conn.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: msg.SDP}); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", msg.From).Msg("apply answer")
	}
}

func (s *Session) handleCandidate(msg signalMessage) {
	if msg.Candidate == nil {
		return
	}
	conn, ok := s.conn(msg.From)
	if !ok {
		s.mu.Lock()
		s.early[msg.From] = append(s.early[msg.From], *msg.Candidate)
		s.mu.Unlock()
		return
	}
	if err := conn.AddICECandidate(*msg.Candidate); err != nil {
		log.Error().Err(err).Str("module", "rtc").Str("remote", msg.From).Msg("add ice candidate")
	}
}

func (s *Session) handleHangup(msg signalMessage) {
	conn, ok := s.conn(msg.From)
	if !ok {
		return
	}
	if !s.forget(msg.From, conn) {
		return
	}
	conn.markClosed()
	conn.shutdown()
	s.mu.Lock()
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn(msg.From)
	}
}

func (s *Session) conn(remoteID string) (*PeerConnection, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.conns[remoteID]
	return c, ok
}

// Close hangs up every connection and leaves the signaling channel.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*PeerConnection, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	if err := s.channel.Leave(context.Background()); err != nil {
		log.Warn().Err(err).Str("module", "rtc").Str("peer_id", s.id).Msg("leave signaling channel")
	}
	log.Info().Str("module", "rtc").Str("peer_id", s.id).Msg("transport session closed")
}

// drain keeps reading a remote track so its buffers do not fill up.
func drain(ctx context.Context, remoteID string, track *webrtc.TrackRemote) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		if _, _, err := track.ReadRTP(); err != nil {
			log.Debug().Err(err).Str("module", "rtc").Str("remote", remoteID).Str("kind", track.Kind().String()).Msg("remote track ended")
			return
		}
	}
}
