package core

import (
	"context"
	"time"

	"github.com/dkeye/notelify/internal/domain"
)

// CallStore is the record side of the realtime backend.
type CallStore interface {
	// FindActiveCall returns the oldest active call of a board or ErrCallNotFound.
	FindActiveCall(ctx context.Context, board domain.BoardID) (*domain.Call, error)
	CreateCall(ctx context.Context, call *domain.Call) error
	// UpsertParticipant inserts or refreshes the (call, user) row.
	UpsertParticipant(ctx context.Context, p *domain.CallParticipant) error
	TouchCall(ctx context.Context, id domain.CallID) error
	TouchParticipant(ctx context.Context, id domain.CallID, user domain.UserID) error
	// EndCall marks the call ended; only matches rows hosted by host.
	EndCall(ctx context.Context, id domain.CallID, host domain.UserID) error
	DeleteParticipant(ctx context.Context, id domain.CallID, user domain.UserID) error
	// SweepParticipants removes rows of ended calls and rows not pinged since staleBefore.
	SweepParticipants(ctx context.Context, staleBefore time.Time) (int64, error)
}

// CallFeed delivers insert notifications for call records.
type CallFeed interface {
	SubscribeCallInserts(ctx context.Context, fn func(domain.Call)) (cancel func(), err error)
}

// Auth returns the signed-in user or ErrNotAuthenticated.
type Auth interface {
	CurrentUser(ctx context.Context) (*domain.User, error)
}
