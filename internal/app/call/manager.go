// Package call owns the local call lifecycle: call and participant records,
// local media, the transport session and the mesh for one board at a time.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/notelify/internal/app/mesh"
	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
	"github.com/dkeye/notelify/internal/metrics"
)

var ErrNotInCall = errors.New("not in a call")

type Config struct {
	HeartbeatInterval time.Duration
	ICEServers        []webrtc.ICEServer
	Media             core.MediaConstraints
	StartMuted        bool
}

// RingClearer drops a pending incoming-call notification.
type RingClearer interface {
	Clear()
}

// Manager is the explicitly owned "current call" of one agent.
type Manager struct {
	store     core.CallStore
	auth      core.Auth
	transport core.PeerTransport
	channels  core.ChannelFactory
	cfg       Config
	metrics   *metrics.Metrics

	ops sync.Mutex // one start, join or end at a time

	mu    sync.RWMutex
	state State
	sess  *session
	rings RingClearer

	lmu      sync.RWMutex
	onState  []func(State)
	onRoster []func([]mesh.Peer)
}

// session holds every resource acquired for the current call.
type session struct {
	board  domain.BoardID
	call   domain.CallID
	role   domain.Role
	user   *domain.User
	stream core.MediaStream
	tsess  core.TransportSession
	mesh   *mesh.Coordinator
	beat   *heartbeat
}

func NewManager(
	store core.CallStore,
	auth core.Auth,
	transport core.PeerTransport,
	channels core.ChannelFactory,
	cfg Config,
	m *metrics.Metrics,
) *Manager {
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if !cfg.Media.Audio && !cfg.Media.Video {
		cfg.Media = core.MediaConstraints{Audio: true, Video: true}
	}
	return &Manager{
		store:     store,
		auth:      auth,
		transport: transport,
		channels:  channels,
		cfg:       cfg,
		metrics:   m,
		state:     Idle{},
	}
}

// ClearRingsWith makes every join drop the pending ring first.
func (m *Manager) ClearRingsWith(r RingClearer) {
	m.mu.Lock()
	m.rings = r
	m.mu.Unlock()
}

func (m *Manager) OnStateChange(fn func(State)) {
	m.lmu.Lock()
	m.onState = append(m.onState, fn)
	m.lmu.Unlock()
}

func (m *Manager) OnRosterChange(fn func([]mesh.Peer)) {
	m.lmu.Lock()
	m.onRoster = append(m.onRoster, fn)
	m.lmu.Unlock()
}

func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// Active reports the global "in a call" flag.
func (m *Manager) Active() bool {
	_, ok := m.State().(Active)
	return ok
}

func (m *Manager) Roster() []mesh.Peer {
	m.mu.RLock()
	sess := m.sess
	m.mu.RUnlock()
	if sess == nil || sess.mesh == nil {
		return nil
	}
	return sess.mesh.Roster()
}

func (m *Manager) LocalStream() core.MediaStream {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.sess == nil {
		return nil
	}
	return m.sess.stream
}

// StartCall joins the board's active call if there is one, otherwise
// creates it with the local user as host.
func (m *Manager) StartCall(ctx context.Context, board domain.BoardID) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	if !m.idle() {
		return core.ErrCallInProgress
	}

	existing, err := m.store.FindActiveCall(ctx, board)
	switch {
	case err == nil:
		log.Info().Str("module", "call").Str("board", string(board)).Str("call_id", string(existing.ID)).
			Msg("active call found, joining instead")
		return m.join(ctx, board, existing.ID)
	case !errors.Is(err, core.ErrCallNotFound):
		return fmt.Errorf("find active call: %w", err)
	}

	m.setState(Starting{Board: board, Role: domain.RoleHost})
	sess, err := m.acquire(ctx, board, domain.RoleHost)
	if err != nil {
		return err
	}

	call := &domain.Call{ClusterID: board, HostID: sess.user.ID, Status: domain.CallStatusActive}
	if err := m.store.CreateCall(ctx, call); err != nil {
		m.rollback(sess, "record")
		return fmt.Errorf("create call: %w", err)
	}
	sess.call = call.ID
	m.upsertSelf(ctx, sess)

	m.activate(ctx, sess)
	return nil
}

// JoinCall enters an existing call as a guest.
func (m *Manager) JoinCall(ctx context.Context, board domain.BoardID, id domain.CallID) error {
	m.ops.Lock()
	defer m.ops.Unlock()
	if !m.idle() {
		return core.ErrCallInProgress
	}
	return m.join(ctx, board, id)
}

func (m *Manager) join(ctx context.Context, board domain.BoardID, id domain.CallID) error {
	m.mu.RLock()
	rings := m.rings
	m.mu.RUnlock()
	if rings != nil {
		rings.Clear()
	}

	m.setState(Starting{Board: board, Role: domain.RoleGuest})
	sess, err := m.acquire(ctx, board, domain.RoleGuest)
	if err != nil {
		return err
	}
	sess.call = id
	m.upsertSelf(ctx, sess)

	m.activate(ctx, sess)
	return nil
}

// acquire opens media, resolves the user and creates the transport session.
// On failure everything acquired so far is released and the state is Idle.
func (m *Manager) acquire(ctx context.Context, board domain.BoardID, role domain.Role) (*session, error) {
	sess := &session{board: board, role: role}

	stream, err := m.transport.Open(ctx, m.cfg.Media)
	if err != nil {
		m.rollback(sess, "media")
		return nil, err
	}
	sess.stream = stream

	user, err := m.auth.CurrentUser(ctx)
	if err != nil {
		m.rollback(sess, "auth")
		return nil, err
	}
	sess.user = user

	tsess, err := m.transport.CreateSession(ctx, string(board), m.cfg.ICEServers)
	if err != nil {
		m.rollback(sess, "transport")
		return nil, fmt.Errorf("create transport session: %w", err)
	}
	sess.tsess = tsess
	return sess, nil
}

func (m *Manager) upsertSelf(ctx context.Context, sess *session) {
	err := m.store.UpsertParticipant(ctx, &domain.CallParticipant{
		CallID: sess.call,
		UserID: sess.user.ID,
		Status: domain.ParticipantConnected,
	})
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("call_id", string(sess.call)).Msg("participant upsert failed")
	}
}

func (m *Manager) rollback(sess *session, reason string) {
	if sess.stream != nil {
		sess.stream.Stop()
	}
	if sess.tsess != nil {
		sess.tsess.Close()
	}
	m.metrics.CallFailed(reason)
	m.setState(Idle{})
}

// activate starts heartbeat and mesh. A signaling failure leaves the call
// up without peer discovery.
func (m *Manager) activate(ctx context.Context, sess *session) {
	if m.cfg.StartMuted {
		sess.stream.SetEnabled(core.TrackAudio, false)
	}
	sess.beat = startHeartbeat(m.cfg.HeartbeatInterval, m.beatFor(sess), m.metrics.HeartbeatFailed)

	sess.mesh = mesh.New(sess.tsess, m.channels.Channel(sess.board.CallChannel()), sess.stream, sess.user.Identity())
	sess.mesh.OnChange(m.emitRoster)
	if err := sess.mesh.Start(context.WithoutCancel(ctx)); err != nil {
		log.Error().Err(err).Str("module", "call").Str("board", string(sess.board)).Msg("signaling unavailable, no peer discovery")
	}

	m.mu.Lock()
	m.sess = sess
	m.mu.Unlock()
	m.metrics.CallStarted(sess.role.String())
	m.setState(Active{Board: sess.board, Call: sess.call, Role: sess.role, PeerID: sess.tsess.ID()})
	log.Info().Str("module", "call").Str("board", string(sess.board)).Str("call_id", string(sess.call)).
		Str("role", sess.role.String()).Str("peer_id", sess.tsess.ID()).Msg("call active")
}

func (m *Manager) beatFor(sess *session) func(context.Context) error {
	if sess.role == domain.RoleHost {
		return func(ctx context.Context) error { return m.store.TouchCall(ctx, sess.call) }
	}
	return func(ctx context.Context) error { return m.store.TouchParticipant(ctx, sess.call, sess.user.ID) }
}

// EndCall tears the current call down. From Idle it does nothing.
func (m *Manager) EndCall(ctx context.Context) error {
	m.ops.Lock()
	defer m.ops.Unlock()

	m.mu.RLock()
	sess := m.sess
	m.mu.RUnlock()
	if sess == nil {
		return nil
	}
	m.setState(Ending{Board: sess.board, Call: sess.call, Role: sess.role})

	sess.stream.Stop()
	sess.tsess.Close()
	if err := sess.mesh.Close(ctx); err != nil {
		log.Warn().Err(err).Str("module", "call").Msg("leave call channel")
	}

	var err error
	switch sess.role {
	case domain.RoleHost:
		err = m.store.EndCall(ctx, sess.call, sess.user.ID)
	case domain.RoleGuest:
		err = m.store.DeleteParticipant(ctx, sess.call, sess.user.ID)
	}
	if err != nil {
		log.Error().Err(err).Str("module", "call").Str("call_id", string(sess.call)).Str("role", sess.role.String()).
			Msg("call record cleanup failed")
		err = fmt.Errorf("end call: %w", err)
	}

	sess.beat.stop()

	m.mu.Lock()
	m.sess = nil
	m.mu.Unlock()
	m.metrics.CallEnded()
	m.setState(Idle{})
	log.Info().Str("module", "call").Str("call_id", string(sess.call)).Msg("call ended")
	return err
}

// ToggleMute flips the shared audio tracks and returns whether the mic is now on.
func (m *Manager) ToggleMute(ctx context.Context) (bool, error) {
	return m.toggle(ctx, core.TrackAudio)
}

// ToggleCamera flips the shared video tracks and returns whether the camera is now on.
func (m *Manager) ToggleCamera(ctx context.Context) (bool, error) {
	return m.toggle(ctx, core.TrackVideo)
}

func (m *Manager) toggle(ctx context.Context, kind core.TrackKind) (bool, error) {
	m.mu.RLock()
	sess := m.sess
	m.mu.RUnlock()
	if sess == nil {
		return false, ErrNotInCall
	}

	enabled := !sess.stream.Enabled(kind)
	var err error
	if kind == core.TrackAudio {
		err = sess.mesh.SetMic(ctx, enabled)
	} else {
		err = sess.mesh.SetCamera(ctx, enabled)
	}
	if err != nil {
		// the local flag already flipped; peers catch up on the next announce
		log.Warn().Err(err).Str("module", "call").Str("kind", string(kind)).Msg("presence update failed")
	}
	return sess.stream.Enabled(kind), nil
}

func (m *Manager) idle() bool {
	_, ok := m.State().(Idle)
	return ok
}

func (m *Manager) setState(s State) {
	m.mu.Lock()
	m.state = s
	m.mu.Unlock()

	m.lmu.RLock()
	fns := make([]func(State), len(m.onState))
	copy(fns, m.onState)
	m.lmu.RUnlock()
	for _, fn := range fns {
		fn(s)
	}
}

func (m *Manager) emitRoster(peers []mesh.Peer) {
	m.metrics.SetRosterSize(len(peers))
	m.lmu.RLock()
	fns := make([]func([]mesh.Peer), len(m.onRoster))
	copy(fns, m.onRoster)
	m.lmu.RUnlock()
	for _, fn := range fns {
		fn(peers)
	}
}
