package notify

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
)

type fakeFeed struct {
	fn       func(domain.Call)
	canceled bool
	err      error
}

func (f *fakeFeed) SubscribeCallInserts(_ context.Context, fn func(domain.Call)) (func(), error) {
	if f.err != nil {
		return nil, f.err
	}
	f.fn = fn
	return func() { f.canceled = true }, nil
}

type staticAuth struct {
	user *domain.User
	err  error
}

func (a staticAuth) CurrentUser(context.Context) (*domain.User, error) { return a.user, a.err }

type mockJoiner struct{ mock.Mock }

func (m *mockJoiner) JoinCall(ctx context.Context, board domain.BoardID, id domain.CallID) error {
	args := m.Called(ctx, board, id)
	return args.Error(0)
}

func setup(t *testing.T) (*Notifier, *fakeFeed, *mockJoiner) {
	feed := &fakeFeed{}
	joiner := &mockJoiner{}
	n := New(feed, staticAuth{user: &domain.User{ID: "me"}}, joiner, nil)
	require.NoError(t, n.Start(context.Background()))
	return n, feed, joiner
}

func TestIgnoresOwnAndInactiveCalls(t *testing.T) {
	n, feed, _ := setup(t)

	feed.fn(domain.Call{ID: "c1", ClusterID: "b", HostID: "me", Status: domain.CallStatusActive})
	feed.fn(domain.Call{ID: "c2", ClusterID: "b", HostID: "other", Status: domain.CallStatusEnded})

	_, ok := n.Pending()
	assert.False(t, ok)
}

func TestLastRingWins(t *testing.T) {
	n, feed, _ := setup(t)
	var seen []*Ring
	n.OnChange(func(r *Ring) { seen = append(seen, r) })

	feed.fn(domain.Call{ID: "c1", ClusterID: "b1", HostID: "alice", Status: domain.CallStatusActive})
	feed.fn(domain.Call{ID: "c2", ClusterID: "b2", HostID: "bob", Status: domain.CallStatusActive})

	ring, ok := n.Pending()
	require.True(t, ok)
	assert.Equal(t, domain.CallID("c2"), ring.CallID)
	assert.Equal(t, domain.BoardID("b2"), ring.Board)
	assert.Equal(t, domain.UserID("bob"), ring.HostID)
	assert.Len(t, seen, 2)
}

func TestDeclineClears(t *testing.T) {
	n, feed, joiner := setup(t)
	feed.fn(domain.Call{ID: "c1", ClusterID: "b1", HostID: "alice", Status: domain.CallStatusActive})

	n.Decline()
	_, ok := n.Pending()
	assert.False(t, ok)
	joiner.AssertNotCalled(t, "JoinCall", mock.Anything, mock.Anything, mock.Anything)
}

func TestAcceptJoinsAndClears(t *testing.T) {
	ctx := context.Background()
	n, feed, joiner := setup(t)
	feed.fn(domain.Call{ID: "c1", ClusterID: "b1", HostID: "alice", Status: domain.CallStatusActive})
	joiner.On("JoinCall", ctx, domain.BoardID("b1"), domain.CallID("c1")).Return(nil)

	require.NoError(t, n.Accept(ctx))
	joiner.AssertExpectations(t)
	_, ok := n.Pending()
	assert.False(t, ok)

	assert.ErrorIs(t, n.Accept(ctx), ErrNoPendingRing)
}

func TestAcceptPropagatesJoinError(t *testing.T) {
	ctx := context.Background()
	n, feed, joiner := setup(t)
	feed.fn(domain.Call{ID: "c1", ClusterID: "b1", HostID: "alice", Status: domain.CallStatusActive})
	joiner.On("JoinCall", ctx, domain.BoardID("b1"), domain.CallID("c1")).
		Return(&core.MediaAccessError{Reason: core.MediaNotFound})

	err := n.Accept(ctx)
	assert.ErrorIs(t, err, core.ErrMediaAccess)
}

func TestStartRequiresUserAndRunsOnce(t *testing.T) {
	ctx := context.Background()
	n := New(&fakeFeed{}, staticAuth{err: core.ErrNotAuthenticated}, &mockJoiner{}, nil)
	assert.ErrorIs(t, n.Start(ctx), core.ErrNotAuthenticated)

	n, feed, _ := setup(t)
	assert.ErrorIs(t, n.Start(ctx), ErrAlreadyStarted)
	n.Stop()
	assert.True(t, feed.canceled)
}

func TestStartFeedError(t *testing.T) {
	n := New(&fakeFeed{err: errors.New("down")}, staticAuth{user: &domain.User{ID: "me"}}, &mockJoiner{}, nil)
	assert.Error(t, n.Start(context.Background()))
}
