package cursor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/notelify/internal/adapters/realtime"
	"github.com/dkeye/notelify/internal/domain"
)

const board domain.BoardID = "board-1"

type snapshots struct {
	mu   sync.Mutex
	last []Cursor
}

func (s *snapshots) record(c []Cursor) {
	s.mu.Lock()
	s.last = c
	s.mu.Unlock()
}

func (s *snapshots) get() []Cursor {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

func newTracker(t *testing.T, hub *realtime.Hub, id domain.UserID, name string) (*Tracker, *snapshots) {
	t.Helper()
	u := &domain.User{ID: id, Name: name}
	tr := NewTracker(hub, board, u)
	snap := &snapshots{}
	tr.OnChange(snap.record)
	require.NoError(t, tr.Start(context.Background()))
	return tr, snap
}

func TestTrackerSyncAddsViewersAtOrigin(t *testing.T) {
	hub := realtime.NewHub()
	a, _ := newTracker(t, hub, "alice", "Alice")
	_, _ = newTracker(t, hub, "bob", "")

	require.Eventually(t, func() bool { return len(a.Cursors()) == 1 }, time.Second, 5*time.Millisecond)
	c := a.Cursors()[0]
	assert.Equal(t, domain.UserID("bob"), c.UserID)
	assert.Equal(t, domain.DefaultUsername, c.Name)
	assert.Zero(t, c.X)
	assert.Zero(t, c.Y)
	assert.Equal(t, domain.ColorFor("bob"), c.Color)
}

func TestTrackerMoveUpdatesOthers(t *testing.T) {
	hub := realtime.NewHub()
	a, _ := newTracker(t, hub, "alice", "Alice")
	b, _ := newTracker(t, hub, "bob", "Bob")
	require.Eventually(t, func() bool { return len(b.Cursors()) == 1 }, time.Second, 5*time.Millisecond)

	sent, err := a.Move(context.Background(), 10, 20)
	require.NoError(t, err)
	require.True(t, sent)

	require.Eventually(t, func() bool {
		cs := b.Cursors()
		return len(cs) == 1 && cs[0].X == 10 && cs[0].Y == 20
	}, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(a.Cursors()) == 1 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, domain.UserID("bob"), a.Cursors()[0].UserID, "own cursor is never tracked")
}

func TestTrackerMoveIsThrottled(t *testing.T) {
	hub := realtime.NewHub()
	a, _ := newTracker(t, hub, "alice", "Alice")
	now := time.Unix(0, 0)
	a.limiter.now = func() time.Time { return now }

	sent, err := a.Move(context.Background(), 1, 1)
	require.NoError(t, err)
	assert.True(t, sent)

	sent, err = a.Move(context.Background(), 2, 2)
	require.NoError(t, err)
	assert.False(t, sent)

	now = now.Add(ThrottleRate + time.Millisecond)
	sent, err = a.Move(context.Background(), 3, 3)
	require.NoError(t, err)
	assert.True(t, sent)
}

func TestTrackerLeaveRemovesCursor(t *testing.T) {
	hub := realtime.NewHub()
	a, snap := newTracker(t, hub, "alice", "Alice")
	b, _ := newTracker(t, hub, "bob", "Bob")
	require.Eventually(t, func() bool { return len(a.Cursors()) == 1 }, time.Second, 5*time.Millisecond)

	require.NoError(t, b.Close(context.Background()))
	require.Eventually(t, func() bool { return len(a.Cursors()) == 0 }, time.Second, 5*time.Millisecond)
	assert.Empty(t, snap.get())
}

func TestTrackerMoveFromUnknownUser(t *testing.T) {
	tr := &Tracker{self: &domain.User{ID: "alice"}, cursors: make(map[domain.UserID]*Cursor)}

	tr.handleBroadcast(MoveEvent, []byte(`{"userId":"carol","x":5,"y":6}`))
	cs := tr.Cursors()
	require.Len(t, cs, 1)
	assert.Equal(t, "Unknown", cs[0].Name)
	assert.Equal(t, 5.0, cs[0].X)

	tr.handleBroadcast(MoveEvent, []byte(`{"userId":"alice","x":1,"y":1}`))
	tr.handleBroadcast("other", []byte(`{"userId":"dave","x":1,"y":1}`))
	tr.handleBroadcast(MoveEvent, []byte(`not json`))
	assert.Len(t, tr.Cursors(), 1)
}
