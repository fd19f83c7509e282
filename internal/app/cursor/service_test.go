package cursor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/notelify/internal/adapters/realtime"
	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
)

type staticAuth struct{ user *domain.User }

func (a staticAuth) CurrentUser(context.Context) (*domain.User, error) {
	if a.user == nil {
		return nil, core.ErrNotAuthenticated
	}
	return a.user, nil
}

func TestServiceWatchSwitchesBoards(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub()
	s := NewService(hub, staticAuth{user: &domain.User{ID: "alice", Name: "Alice"}})

	require.NoError(t, s.Watch(ctx, "board-1"))
	require.NoError(t, s.Watch(ctx, "board-1"))
	assert.Equal(t, 1, hub.Members(domain.BoardID("board-1").CursorChannel()))

	require.NoError(t, s.Watch(ctx, "board-2"))
	assert.Equal(t, 0, hub.Members(domain.BoardID("board-1").CursorChannel()))
	assert.Equal(t, 1, hub.Members(domain.BoardID("board-2").CursorChannel()))

	board, cursors := s.Cursors()
	assert.Equal(t, domain.BoardID("board-2"), board)
	assert.Empty(t, cursors)

	s.Unwatch(ctx)
	assert.Equal(t, 0, hub.Members(domain.BoardID("board-2").CursorChannel()))
	_, err := s.Move(ctx, 1, 1)
	assert.ErrorIs(t, err, ErrNotWatching)
}

func TestServiceRequiresUser(t *testing.T) {
	s := NewService(realtime.NewHub(), staticAuth{})
	assert.ErrorIs(t, s.Watch(context.Background(), "board-1"), core.ErrNotAuthenticated)
}

func TestServiceReportsBoardWithCursors(t *testing.T) {
	ctx := context.Background()
	hub := realtime.NewHub()
	got := make(chan domain.BoardID, 8)
	s := NewService(hub, staticAuth{user: &domain.User{ID: "alice", Name: "Alice"}})
	s.OnChange(func(b domain.BoardID, _ []Cursor) { got <- b })
	require.NoError(t, s.Watch(ctx, "board-1"))

	other := NewService(hub, staticAuth{user: &domain.User{ID: "bob", Name: "Bob"}})
	require.NoError(t, other.Watch(ctx, "board-1"))

	select {
	case b := <-got:
		assert.Equal(t, domain.BoardID("board-1"), b)
	case <-time.After(time.Second):
		t.Fatal("no cursor update")
	}
}
