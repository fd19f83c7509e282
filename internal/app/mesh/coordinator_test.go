package mesh

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
)

type fakeStream struct {
	id string
	mu sync.Mutex
	on map[core.TrackKind]bool
}

func newFakeStream(id string) *fakeStream {
	return &fakeStream{id: id, on: map[core.TrackKind]bool{core.TrackAudio: true, core.TrackVideo: true}}
}

func (s *fakeStream) ID() string { return s.id }
func (s *fakeStream) SetEnabled(k core.TrackKind, v bool) {
	s.mu.Lock()
	s.on[k] = v
	s.mu.Unlock()
}
func (s *fakeStream) Enabled(k core.TrackKind) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.on[k]
}
func (s *fakeStream) Stop() {}

type fakeConn struct {
	peer   string
	closed bool
}

func (c *fakeConn) PeerID() string { return c.peer }
func (c *fakeConn) Close()         { c.closed = true }

type fakeSession struct {
	id      string
	mu      sync.Mutex
	calls   []string
	failFor map[string]bool

	incoming func(string, func(core.MediaStream) (core.MediaConnection, error))
	stream   func(string, core.MediaStream)
	onClose  func(string)
	onError  func(string, error)
}

func (s *fakeSession) ID() string { return s.id }
func (s *fakeSession) OnIncomingCall(fn func(string, func(core.MediaStream) (core.MediaConnection, error))) {
	s.incoming = fn
}
func (s *fakeSession) OnRemoteStream(fn func(string, core.MediaStream)) { s.stream = fn }
func (s *fakeSession) OnClose(fn func(string))                          { s.onClose = fn }
func (s *fakeSession) OnError(fn func(string, error))                   { s.onError = fn }
func (s *fakeSession) Close()                                           {}

func (s *fakeSession) Call(remoteID string, _ core.MediaStream) (core.MediaConnection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failFor[remoteID] {
		return nil, errors.New("unreachable")
	}
	s.calls = append(s.calls, remoteID)
	return &fakeConn{peer: remoteID}, nil
}

func (s *fakeSession) called() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

type fakeChannel struct {
	mu      sync.Mutex
	h       core.ChannelHandlers
	tracked []domain.Presence
	left    bool
	subErr  error
}

func (c *fakeChannel) Name() string { return "call:test" }
func (c *fakeChannel) Subscribe(_ context.Context, h core.ChannelHandlers) error {
	if c.subErr != nil {
		return c.subErr
	}
	c.h = h
	return nil
}
func (c *fakeChannel) Track(_ context.Context, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tracked = append(c.tracked, payload.(domain.Presence))
	return nil
}
func (c *fakeChannel) Broadcast(context.Context, string, any) error { return nil }
func (c *fakeChannel) Leave(context.Context) error {
	c.left = true
	return nil
}

func (c *fakeChannel) lastTracked() domain.Presence {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tracked[len(c.tracked)-1]
}

func entry(t *testing.T, p domain.Presence) core.PresenceEntry {
	raw, err := json.Marshal(p)
	require.NoError(t, err)
	return core.PresenceEntry{Key: p.PeerID, Payload: raw}
}

func presence(id string, user domain.UserID, mic, cam bool) domain.Presence {
	return domain.Presence{PeerID: id, User: domain.Identity{ID: user, Name: string(user), Color: "#fff"}, Mic: mic, Camera: cam}
}

func newCoordinator(t *testing.T, id string) (*Coordinator, *fakeSession, *fakeChannel) {
	sess := &fakeSession{id: id, failFor: map[string]bool{}}
	ch := &fakeChannel{}
	c := New(sess, ch, newFakeStream("local"), domain.Identity{ID: "me", Name: "me"})
	require.NoError(t, c.Start(context.Background()))
	return c, sess, ch
}

func TestShouldInitiateExactlyOneSide(t *testing.T) {
	ids := []string{"a1", "b2", "0f3c", "zz", "Z", "a", "ab"}
	for _, a := range ids {
		for _, b := range ids {
			if a == b {
				continue
			}
			assert.NotEqual(t, ShouldInitiate(a, b), ShouldInitiate(b, a), "%s vs %s", a, b)
		}
	}
}

func TestStartAnnouncesPresence(t *testing.T) {
	_, _, ch := newCoordinator(t, "b2")
	p := ch.lastTracked()
	assert.Equal(t, "b2", p.PeerID)
	assert.Equal(t, domain.UserID("me"), p.User.ID)
	assert.True(t, p.Mic)
	assert.True(t, p.Camera)
}

func TestStartSubscribeFailure(t *testing.T) {
	sess := &fakeSession{id: "a"}
	ch := &fakeChannel{subErr: errors.New("down")}
	c := New(sess, ch, newFakeStream("local"), domain.Identity{ID: "me"})
	err := c.Start(context.Background())
	assert.ErrorIs(t, err, core.ErrSignalingSubscribe)
	assert.NotNil(t, sess.incoming, "transport events stay bound")
}

func TestSyncAppliesTieBreak(t *testing.T) {
	c, sess, _ := newCoordinator(t, "b2")

	c.HandleSync([]core.PresenceEntry{
		entry(t, presence("b2", "me", true, true)),
		entry(t, presence("a1", "host", true, true)),
		entry(t, presence("c3", "late", true, true)),
	})

	assert.Equal(t, []string{"a1"}, sess.called(), "only peers with smaller ids are called")
	assert.True(t, c.Connected("a1"))
	assert.False(t, c.Connected("c3"))

	// a second identical sync does not call again
	c.HandleSync([]core.PresenceEntry{entry(t, presence("a1", "host", true, true))})
	assert.Equal(t, []string{"a1"}, sess.called())
}

func TestJoinDeltaInitiates(t *testing.T) {
	c, sess, _ := newCoordinator(t, "m")
	c.HandleJoin([]core.PresenceEntry{entry(t, presence("a", "u", true, true))})
	assert.Equal(t, []string{"a"}, sess.called())
	assert.True(t, c.Connected("a"))
}

func TestIncomingCallIsAnswered(t *testing.T) {
	c, sess, _ := newCoordinator(t, "a1")
	var answeredWith core.MediaStream
	sess.incoming("b2", func(s core.MediaStream) (core.MediaConnection, error) {
		answeredWith = s
		return &fakeConn{peer: "b2"}, nil
	})
	require.NotNil(t, answeredWith)
	assert.Equal(t, "local", answeredWith.ID())
	assert.True(t, c.Connected("b2"))
	assert.Empty(t, sess.called())
}

func TestEarlyStreamGetsPlaceholder(t *testing.T) {
	c, sess, _ := newCoordinator(t, "a1")
	var snaps [][]Peer
	c.OnChange(func(p []Peer) { snaps = append(snaps, p) })

	sess.stream("b2", newFakeStream("remote"))
	roster := c.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, domain.PlaceholderName, roster[0].User.Name)

	c.HandleSync([]core.PresenceEntry{entry(t, presence("b2", "guest", false, true))})
	roster = c.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, domain.UserID("guest"), roster[0].User.ID)
	assert.True(t, roster[0].Muted)
	assert.False(t, roster[0].VideoOff)
	assert.Len(t, snaps, 2)
}

func TestStreamAfterPresenceUsesKnownIdentity(t *testing.T) {
	c, sess, _ := newCoordinator(t, "b2")
	c.HandleSync([]core.PresenceEntry{entry(t, presence("a1", "host", true, false))})
	sess.stream("a1", newFakeStream("remote"))

	roster := c.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, domain.UserID("host"), roster[0].User.ID)
	assert.True(t, roster[0].VideoOff)
}

func TestMetadataNotifiesOnlyOnChange(t *testing.T) {
	c, sess, _ := newCoordinator(t, "b2")
	sess.stream("a1", newFakeStream("remote"))
	c.HandleSync([]core.PresenceEntry{entry(t, presence("a1", "host", true, true))})

	count := 0
	c.OnChange(func([]Peer) { count++ })

	c.HandleSync([]core.PresenceEntry{entry(t, presence("a1", "host", true, true))})
	assert.Zero(t, count)

	c.HandleSync([]core.PresenceEntry{entry(t, presence("a1", "host", false, true))})
	assert.Equal(t, 1, count)
}

func TestDepartedPeerIsDroppedOnSync(t *testing.T) {
	c, sess, _ := newCoordinator(t, "b2")
	c.HandleSync([]core.PresenceEntry{entry(t, presence("a1", "host", true, true))})
	sess.stream("a1", newFakeStream("remote"))
	require.Len(t, c.Roster(), 1)

	c.HandleSync(nil)
	assert.Empty(t, c.Roster())
	assert.False(t, c.Connected("a1"))
}

func TestLeaveDeltaRemovesPeer(t *testing.T) {
	c, sess, _ := newCoordinator(t, "b2")
	c.HandleSync([]core.PresenceEntry{entry(t, presence("a1", "host", true, true))})
	sess.stream("a1", newFakeStream("remote"))

	c.HandleLeave([]core.PresenceEntry{entry(t, presence("a1", "host", true, true))})
	assert.Empty(t, c.Roster())
}

func TestLateStreamAfterRemovalIsIgnored(t *testing.T) {
	c, sess, _ := newCoordinator(t, "d4")
	c.HandleJoin([]core.PresenceEntry{entry(t, presence("c3", "guest", true, true))})
	require.True(t, c.Connected("c3"))

	c.RemovePeer("c3")
	sess.stream("c3", newFakeStream("late"))
	assert.Empty(t, c.Roster())

	c.HandleSync(nil)
	assert.Empty(t, c.Roster())
}

func TestRemovedPeerIsAcceptedAfterNewCall(t *testing.T) {
	c, sess, _ := newCoordinator(t, "a1")
	sess.onClose("b2")
	sess.stream("b2", newFakeStream("stale"))
	require.Empty(t, c.Roster())

	sess.incoming("b2", func(core.MediaStream) (core.MediaConnection, error) {
		return &fakeConn{peer: "b2"}, nil
	})
	sess.stream("b2", newFakeStream("fresh"))
	roster := c.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "fresh", roster[0].Stream.ID())
}

func TestPeerFailureIsIsolated(t *testing.T) {
	c, sess, _ := newCoordinator(t, "z")
	c.HandleSync([]core.PresenceEntry{
		entry(t, presence("a", "u1", true, true)),
		entry(t, presence("b", "u2", true, true)),
	})
	sess.stream("a", newFakeStream("ra"))
	sess.stream("b", newFakeStream("rb"))
	require.Len(t, c.Roster(), 2)

	sess.onError("a", errors.New("ice failed"))
	roster := c.Roster()
	require.Len(t, roster, 1)
	assert.Equal(t, "b", roster[0].PeerID)
	assert.True(t, c.Connected("b"))

	sess.onClose("b")
	assert.Empty(t, c.Roster())
}

func TestCallFailureDoesNotStopOthers(t *testing.T) {
	sess := &fakeSession{id: "z", failFor: map[string]bool{"a": true}}
	ch := &fakeChannel{}
	c := New(sess, ch, newFakeStream("local"), domain.Identity{ID: "me"})
	require.NoError(t, c.Start(context.Background()))

	c.HandleSync([]core.PresenceEntry{
		entry(t, presence("a", "u1", true, true)),
		entry(t, presence("b", "u2", true, true)),
	})
	assert.False(t, c.Connected("a"))
	assert.True(t, c.Connected("b"))
}

func TestMalformedPresenceIsDropped(t *testing.T) {
	c, sess, _ := newCoordinator(t, "z")
	c.HandleSync([]core.PresenceEntry{
		{Key: "x", Payload: json.RawMessage(`{"user":{"id":"u"}}`)},
		{Key: "y", Payload: json.RawMessage(`not json`)},
		entry(t, presence("a", "u1", true, true)),
	})
	assert.Equal(t, []string{"a"}, sess.called())
}

func TestSetMicReannounces(t *testing.T) {
	ctx := context.Background()
	c, _, ch := newCoordinator(t, "a")

	require.NoError(t, c.SetMic(ctx, false))
	assert.False(t, ch.lastTracked().Mic)
	require.NoError(t, c.SetMic(ctx, true))
	assert.True(t, ch.lastTracked().Mic)

	require.NoError(t, c.SetCamera(ctx, false))
	assert.False(t, ch.lastTracked().Camera)
}

func TestCloseIsIdempotent(t *testing.T) {
	ctx := context.Background()
	c, sess, ch := newCoordinator(t, "z")
	c.HandleSync([]core.PresenceEntry{entry(t, presence("a", "u1", true, true))})
	sess.stream("a", newFakeStream("ra"))

	require.NoError(t, c.Close(ctx))
	require.NoError(t, c.Close(ctx))
	assert.True(t, ch.left)
	assert.Empty(t, c.Roster())

	// late events after close are ignored
	sess.stream("b", newFakeStream("rb"))
	c.HandleSync([]core.PresenceEntry{entry(t, presence("c", "u3", true, true))})
	assert.Empty(t, c.Roster())
	assert.Equal(t, []string{"a"}, sess.called())
}
