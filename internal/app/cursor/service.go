package cursor

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
)

var ErrNotWatching = errors.New("no board is being watched")

// Service keeps one Tracker for the board the user currently has open.
type Service struct {
	channels core.ChannelFactory
	auth     core.Auth

	mu      sync.Mutex
	board   domain.BoardID
	tracker *Tracker

	onChange func(domain.BoardID, []Cursor)
}

func NewService(channels core.ChannelFactory, auth core.Auth) *Service {
	return &Service{channels: channels, auth: auth}
}

// OnChange must be set before the first Watch.
func (s *Service) OnChange(fn func(domain.BoardID, []Cursor)) {
	s.onChange = fn
}

// Watch switches to board, leaving the previous one.
func (s *Service) Watch(ctx context.Context, board domain.BoardID) error {
	user, err := s.auth.CurrentUser(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker != nil && s.board == board {
		return nil
	}
	s.closeLocked(ctx)

	t := NewTracker(s.channels, board, user)
	if fn := s.onChange; fn != nil {
		t.OnChange(func(cs []Cursor) { fn(board, cs) })
	}
	if err := t.Start(ctx); err != nil {
		_ = t.Close(ctx)
		return err
	}
	s.board, s.tracker = board, t
	log.Info().Str("module", "cursor").Str("board", string(board)).Msg("watching board")
	return nil
}

func (s *Service) Move(ctx context.Context, x, y float64) (bool, error) {
	s.mu.Lock()
	t := s.tracker
	s.mu.Unlock()
	if t == nil {
		return false, ErrNotWatching
	}
	return t.Move(ctx, x, y)
}

func (s *Service) Cursors() (domain.BoardID, []Cursor) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tracker == nil {
		return "", nil
	}
	return s.board, s.tracker.Cursors()
}

func (s *Service) Unwatch(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closeLocked(ctx)
}

func (s *Service) closeLocked(ctx context.Context) {
	if s.tracker == nil {
		return
	}
	if err := s.tracker.Close(ctx); err != nil {
		log.Warn().Err(err).Str("module", "cursor").Str("board", string(s.board)).Msg("leave cursor channel")
	}
	s.board, s.tracker = "", nil
}
