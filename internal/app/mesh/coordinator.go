// Package mesh turns channel presence into a full mesh of pairwise media
// connections and keeps the roster of remote peers.
package mesh

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
)

var ErrClosed = errors.New("mesh closed")

type Coordinator struct {
	sess    core.TransportSession
	channel core.SignalChannel
	local   core.MediaStream
	self    domain.Identity

	mu       sync.Mutex
	conns    map[string]core.MediaConnection
	peers    roster
	presence map[string]domain.Presence // last record seen per remote peer
	gone     map[string]struct{}        // removed peers; late streams from them are ignored
	closed   bool

	lmu       sync.RWMutex
	listeners []func([]Peer)
}

func New(sess core.TransportSession, channel core.SignalChannel, local core.MediaStream, self domain.Identity) *Coordinator {
	return &Coordinator{
		sess:     sess,
		channel:  channel,
		local:    local,
		self:     self,
		conns:    make(map[string]core.MediaConnection),
		peers:    make(roster),
		presence: make(map[string]domain.Presence),
		gone:     make(map[string]struct{}),
	}
}

func (c *Coordinator) PeerID() string { return c.sess.ID() }

// OnChange registers a listener fired with a fresh snapshot whenever the roster changes.
func (c *Coordinator) OnChange(fn func([]Peer)) {
	c.lmu.Lock()
	c.listeners = append(c.listeners, fn)
	c.lmu.Unlock()
}

// Start binds transport events, subscribes to the channel and announces
// the local presence. A returned error wraps core.ErrSignalingSubscribe;
// transport events keep flowing regardless.
func (c *Coordinator) Start(ctx context.Context) error {
	c.BindTransportHandlers()

	err := c.channel.Subscribe(ctx, core.ChannelHandlers{
		OnSync:  c.HandleSync,
		OnJoin:  c.HandleJoin,
		OnLeave: c.HandleLeave,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrSignalingSubscribe, c.channel.Name(), err)
	}
	if err := c.announce(ctx); err != nil {
		return fmt.Errorf("%w: track: %v", core.ErrSignalingSubscribe, err)
	}
	log.Info().Str("module", "mesh").Str("channel", c.channel.Name()).Str("peer_id", c.PeerID()).Msg("joined signaling channel")
	return nil
}

func (c *Coordinator) BindTransportHandlers() {
	c.sess.OnIncomingCall(c.handleIncoming)
	c.sess.OnRemoteStream(c.HandleRemoteStream)
	c.sess.OnClose(func(remoteID string) { c.RemovePeer(remoteID) })
	c.sess.OnError(func(remoteID string, err error) {
		log.Warn().Err(fmt.Errorf("%w: %v", core.ErrTransportConnection, err)).
			Str("module", "mesh").Str("peer_id", remoteID).Msg("peer connection error")
		c.RemovePeer(remoteID)
	})
}

func (c *Coordinator) announce(ctx context.Context) error {
	return c.channel.Track(ctx, domain.Presence{
		PeerID: c.PeerID(),
		User:   c.self,
		Mic:    c.local.Enabled(core.TrackAudio),
		Camera: c.local.Enabled(core.TrackVideo),
	})
}

// HandleSync applies one full presence snapshot: connect to new peers we
// must initiate to, drop departed peers, refresh metadata of the rest.
func (c *Coordinator) HandleSync(entries []core.PresenceEntry) {
	all := c.decode(entries)
	selfID := c.PeerID()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}

	present := make(map[string]struct{}, len(all))
	changed := false
	for _, p := range all {
		present[p.PeerID] = struct{}{}
		c.presence[p.PeerID] = p
		if _, ok := c.conns[p.PeerID]; !ok {
			c.connectLocked(selfID, p.PeerID)
		}
		if peer, ok := c.peers[p.PeerID]; ok && peer.apply(p) {
			changed = true
		}
	}

	var stale []core.MediaConnection
	for id := range c.presence {
		if _, ok := present[id]; ok {
			continue
		}
		if conn, removed := c.dropLocked(id); removed {
			changed = true
			if conn != nil {
				stale = append(stale, conn)
			}
		}
	}
	snap := c.peers.snapshot()
	c.mu.Unlock()

	closeAll(stale)
	if changed {
		c.notify(snap)
	}
}

// HandleJoin initiates to newly joined peers without waiting for the next sync.
func (c *Coordinator) HandleJoin(entries []core.PresenceEntry) {
	joined := c.decode(entries)
	selfID := c.PeerID()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	for _, p := range joined {
		c.presence[p.PeerID] = p
		if _, ok := c.conns[p.PeerID]; !ok {
			c.connectLocked(selfID, p.PeerID)
		}
	}
}

func (c *Coordinator) HandleLeave(entries []core.PresenceEntry) {
	for _, p := range c.decode(entries) {
		c.RemovePeer(p.PeerID)
	}
}

func (c *Coordinator) connectLocked(selfID, remoteID string) {
	if !ShouldInitiate(selfID, remoteID) {
		log.Debug().Str("module", "mesh").Str("peer_id", selfID).Str("remote", remoteID).Msg("waiting for call")
		return
	}
	log.Info().Str("module", "mesh").Str("peer_id", selfID).Str("remote", remoteID).Msg("calling peer")
	conn, err := c.sess.Call(remoteID, c.local)
	if err != nil {
		log.Warn().Err(fmt.Errorf("%w: %v", core.ErrTransportConnection, err)).
			Str("module", "mesh").Str("remote", remoteID).Msg("call failed")
		return
	}
	c.storeLocked(remoteID, conn)
}

func (c *Coordinator) handleIncoming(remoteID string, answer func(core.MediaStream) (core.MediaConnection, error)) {
	conn, err := answer(c.local)
	if err != nil {
		log.Warn().Err(fmt.Errorf("%w: %v", core.ErrTransportConnection, err)).
			Str("module", "mesh").Str("remote", remoteID).Msg("answer failed")
		return
	}
	log.Info().Str("module", "mesh").Str("remote", remoteID).Msg("answered incoming call")

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		conn.Close()
		return
	}
	old := c.conns[remoteID]
	c.storeLocked(remoteID, conn)
	c.mu.Unlock()

	if old != nil && old != conn {
		old.Close()
	}
}

// HandleRemoteStream adds or refreshes the roster entry for remoteID.
// Identity comes from the last known presence, or a placeholder until one arrives.
func (c *Coordinator) HandleRemoteStream(remoteID string, stream core.MediaStream) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	if _, ok := c.gone[remoteID]; ok {
		c.mu.Unlock()
		log.Debug().Str("module", "mesh").Str("remote", remoteID).Msg("ignoring stream from removed peer")
		return
	}
	var known *domain.Presence
	if p, ok := c.presence[remoteID]; ok {
		known = &p
	}
	c.peers.upsertStream(remoteID, stream, known)
	snap := c.peers.snapshot()
	c.mu.Unlock()

	c.notify(snap)
}

// RemovePeer discards the connection and roster entry for remoteID.
// Other peers are unaffected.
func (c *Coordinator) RemovePeer(remoteID string) {
	c.mu.Lock()
	conn, removed := c.dropLocked(remoteID)
	snap := c.peers.snapshot()
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
	if removed {
		log.Info().Str("module", "mesh").Str("remote", remoteID).Msg("peer removed")
		c.notify(snap)
	}
}

// storeLocked records a fresh connection; it revives a removed peer.
func (c *Coordinator) storeLocked(id string, conn core.MediaConnection) {
	c.conns[id] = conn
	delete(c.gone, id)
}

func (c *Coordinator) dropLocked(id string) (core.MediaConnection, bool) {
	conn, hadConn := c.conns[id]
	_, hadPeer := c.peers[id]
	delete(c.conns, id)
	delete(c.peers, id)
	delete(c.presence, id)
	c.gone[id] = struct{}{}
	return conn, hadConn || hadPeer
}

// SetMic enables or disables the shared audio tracks and re-announces presence.
func (c *Coordinator) SetMic(ctx context.Context, enabled bool) error {
	c.local.SetEnabled(core.TrackAudio, enabled)
	return c.announce(ctx)
}

// SetCamera enables or disables the shared video tracks and re-announces presence.
func (c *Coordinator) SetCamera(ctx context.Context, enabled bool) error {
	c.local.SetEnabled(core.TrackVideo, enabled)
	return c.announce(ctx)
}

func (c *Coordinator) Roster() []Peer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.peers.snapshot()
}

// Connected reports whether a connection to remoteID exists, in either direction.
func (c *Coordinator) Connected(remoteID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.conns[remoteID]
	return ok
}

// Close hangs up every peer and leaves the channel. Safe to call twice.
func (c *Coordinator) Close(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	conns := lo.Values(c.conns)
	hadPeers := len(c.peers) > 0
	c.conns = make(map[string]core.MediaConnection)
	c.peers = make(roster)
	c.presence = make(map[string]domain.Presence)
	c.gone = make(map[string]struct{})
	c.mu.Unlock()

	closeAll(conns)
	if hadPeers {
		c.notify(nil)
	}
	if err := c.channel.Leave(ctx); err != nil {
		return fmt.Errorf("leave %s: %w", c.channel.Name(), err)
	}
	return nil
}

// decode validates presence records, dropping malformed ones and our own.
func (c *Coordinator) decode(entries []core.PresenceEntry) []domain.Presence {
	selfID := c.PeerID()
	return lo.FilterMap(entries, func(e core.PresenceEntry, _ int) (domain.Presence, bool) {
		p, err := domain.DecodePresence(e.Payload)
		if err != nil {
			log.Debug().Err(err).Str("module", "mesh").Str("key", e.Key).Msg("dropping presence record")
			return domain.Presence{}, false
		}
		return p, p.PeerID != selfID
	})
}

func (c *Coordinator) notify(snap []Peer) {
	c.lmu.RLock()
	fns := make([]func([]Peer), len(c.listeners))
	copy(fns, c.listeners)
	c.lmu.RUnlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func closeAll(conns []core.MediaConnection) {
	for _, conn := range conns {
		conn.Close()
	}
}
