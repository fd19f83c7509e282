package rtc

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/notelify/internal/core"
)

var ErrPeerUnavailable = errors.New("peer unavailable")

// Loopback is an in-process core.PeerTransport. Sessions created for the
// same room reach each other directly; streams are handed over by reference.
type Loopback struct {
	devices Devices

	mu    sync.Mutex
	rooms map[string]map[string]*LoopbackSession
}

func NewLoopback(devices Devices) *Loopback {
	return &Loopback{devices: devices, rooms: make(map[string]map[string]*LoopbackSession)}
}

func (l *Loopback) Open(ctx context.Context, c core.MediaConstraints) (core.MediaStream, error) {
	return (&Transport{devices: l.devices}).Open(ctx, c)
}

func (l *Loopback) CreateSession(_ context.Context, room string, _ []webrtc.ICEServer) (core.TransportSession, error) {
	s := &LoopbackSession{id: uuid.NewString(), room: room, net: l, conns: make(map[string]*loopConn)}
	l.mu.Lock()
	if l.rooms[room] == nil {
		l.rooms[room] = make(map[string]*LoopbackSession)
	}
	l.rooms[room][s.id] = s
	l.mu.Unlock()
	return s, nil
}

func (l *Loopback) lookup(room, id string) (*LoopbackSession, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	s, ok := l.rooms[room][id]
	return s, ok
}

func (l *Loopback) remove(room, id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.rooms[room], id)
	if len(l.rooms[room]) == 0 {
		delete(l.rooms, room)
	}
}

type LoopbackSession struct {
	id   string
	room string
	net  *Loopback

	mu     sync.Mutex
	conns  map[string]*loopConn
	closed bool

	onIncoming func(string, func(core.MediaStream) (core.MediaConnection, error))
	onStream   func(string, core.MediaStream)
	onClose    func(string)
	onError    func(string, error)
}

func (s *LoopbackSession) ID() string { return s.id }

func (s *LoopbackSession) OnIncomingCall(fn func(string, func(core.MediaStream) (core.MediaConnection, error))) {
	s.mu.Lock()
	s.onIncoming = fn
	s.mu.Unlock()
}

func (s *LoopbackSession) OnRemoteStream(fn func(string, core.MediaStream)) {
	s.mu.Lock()
	s.onStream = fn
	s.mu.Unlock()
}

func (s *LoopbackSession) OnClose(fn func(string)) {
	s.mu.Lock()
	s.onClose = fn
	s.mu.Unlock()
}

func (s *LoopbackSession) OnError(fn func(string, error)) {
	s.mu.Lock()
	s.onError = fn
	s.mu.Unlock()
}

// Peers lists the remote ids this session holds a connection to.
func (s *LoopbackSession) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.conns))
	for id := range s.conns {
		out = append(out, id)
	}
	slices.Sort(out)
	return out
}

func (s *LoopbackSession) Call(remoteID string, stream core.MediaStream) (core.MediaConnection, error) {
	remote, ok := s.net.lookup(s.room, remoteID)
	if !ok {
		return nil, fmt.Errorf("%w: %w: %s", core.ErrTransportConnection, ErrPeerUnavailable, remoteID)
	}
	conn := &loopConn{owner: s, peer: remoteID}
	if err := s.store(conn); err != nil {
		return nil, err
	}

	go remote.ring(s, conn, stream)
	return conn, nil
}

// ring runs on its own goroutine: offer the call and, once answered,
// exchange streams in both directions.
func (s *LoopbackSession) ring(caller *LoopbackSession, callerConn *loopConn, callerStream core.MediaStream) {
	s.mu.Lock()
	fn := s.onIncoming
	s.mu.Unlock()
	if fn == nil {
		return
	}
	fn(caller.id, func(local core.MediaStream) (core.MediaConnection, error) {
		conn := &loopConn{owner: s, peer: caller.id, other: callerConn}
		if callerConn.closed.Load() {
			return nil, fmt.Errorf("%w: %w: %s", core.ErrTransportConnection, ErrPeerUnavailable, caller.id)
		}
		if err := s.store(conn); err != nil {
			return nil, err
		}
		callerConn.link(conn)

		go s.deliver(caller.id, callerStream)
		go caller.deliver(s.id, local)
		return conn, nil
	})
}

func (s *LoopbackSession) deliver(from string, stream core.MediaStream) {
	s.mu.Lock()
	fn, closed := s.onStream, s.closed
	s.mu.Unlock()
	if fn != nil && !closed {
		fn(from, stream)
	}
}

func (s *LoopbackSession) store(conn *loopConn) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrSessionClosed
	}
	old := s.conns[conn.peer]
	s.conns[conn.peer] = conn
	s.mu.Unlock()
	if old != nil {
		old.Close()
	}
	return nil
}

func (s *LoopbackSession) forget(conn *loopConn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns[conn.peer] != conn {
		return false
	}
	delete(s.conns, conn.peer)
	return true
}

// hangup is the remote side closing conn.
func (s *LoopbackSession) hangup(conn *loopConn) {
	if !conn.closed.CompareAndSwap(false, true) {
		return
	}
	if !s.forget(conn) {
		return
	}
	s.mu.Lock()
	fn := s.onClose
	s.mu.Unlock()
	if fn != nil {
		fn(conn.peer)
	}
}

// Fail simulates a transport error on the connection to remoteID.
func (s *LoopbackSession) Fail(remoteID string, err error) {
	s.mu.Lock()
	conn, ok := s.conns[remoteID]
	fn := s.onError
	s.mu.Unlock()
	if !ok {
		return
	}
	conn.Close()
	if fn != nil {
		go fn(remoteID, err)
	}
}

func (s *LoopbackSession) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]*loopConn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.Close()
	}
	s.net.remove(s.room, s.id)
	log.Debug().Str("module", "rtc.loopback").Str("peer_id", s.id).Msg("session closed")
}

type loopConn struct {
	owner  *LoopbackSession
	peer   string
	closed atomic.Bool

	mu    sync.Mutex
	other *loopConn
}

func (c *loopConn) PeerID() string { return c.peer }

func (c *loopConn) link(other *loopConn) {
	c.mu.Lock()
	c.other = other
	c.mu.Unlock()
}

func (c *loopConn) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}
	c.owner.forget(c)
	c.mu.Lock()
	other := c.other
	c.mu.Unlock()
	if other != nil {
		go other.owner.hangup(other)
	}
}
