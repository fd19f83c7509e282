// Package notify surfaces calls started by other users as a single pending ring.
package notify

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
	"github.com/dkeye/notelify/internal/metrics"
)

var (
	ErrNoPendingRing  = errors.New("no pending call")
	ErrAlreadyStarted = errors.New("notifier already started")
)

// Ring is one incoming call offer.
type Ring struct {
	CallID domain.CallID  `json:"call_id"`
	Board  domain.BoardID `json:"board"`
	HostID domain.UserID  `json:"host_id"`
	At     time.Time      `json:"at"`
}

type Joiner interface {
	JoinCall(ctx context.Context, board domain.BoardID, id domain.CallID) error
}

type Notifier struct {
	feed    core.CallFeed
	auth    core.Auth
	joiner  Joiner
	metrics *metrics.Metrics

	mu      sync.Mutex
	self    domain.UserID
	pending *Ring
	cancel  func()

	lmu       sync.RWMutex
	listeners []func(*Ring)
}

func New(feed core.CallFeed, auth core.Auth, joiner Joiner, m *metrics.Metrics) *Notifier {
	return &Notifier{feed: feed, auth: auth, joiner: joiner, metrics: m}
}

// OnChange registers a listener called with the new pending ring, or nil when cleared.
func (n *Notifier) OnChange(fn func(*Ring)) {
	n.lmu.Lock()
	n.listeners = append(n.listeners, fn)
	n.lmu.Unlock()
}

// Start subscribes once for the lifetime of the signed-in session.
func (n *Notifier) Start(ctx context.Context) error {
	user, err := n.auth.CurrentUser(ctx)
	if err != nil {
		return err
	}

	n.mu.Lock()
	defer n.mu.Unlock()
	if n.cancel != nil {
		return ErrAlreadyStarted
	}
	cancel, err := n.feed.SubscribeCallInserts(ctx, n.handleInsert)
	if err != nil {
		return fmt.Errorf("subscribe call inserts: %w", err)
	}
	n.self = user.ID
	n.cancel = cancel
	log.Info().Str("module", "notify").Str("user_id", string(user.ID)).Msg("listening for incoming calls")
	return nil
}

func (n *Notifier) Stop() {
	n.mu.Lock()
	cancel := n.cancel
	n.cancel = nil
	n.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

func (n *Notifier) handleInsert(call domain.Call) {
	n.mu.Lock()
	if call.HostID == n.self || !call.IsActive() {
		n.mu.Unlock()
		return
	}
	ring := &Ring{CallID: call.ID, Board: call.ClusterID, HostID: call.HostID, At: time.Now()}
	n.pending = ring
	n.mu.Unlock()

	log.Info().Str("module", "notify").Str("call_id", string(call.ID)).Str("board", string(call.ClusterID)).
		Str("host_id", string(call.HostID)).Msg("incoming call")
	n.metrics.Ring()
	n.emit(ring)
}

func (n *Notifier) Pending() (Ring, bool) {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.pending == nil {
		return Ring{}, false
	}
	return *n.pending, true
}

// Decline drops the pending ring without joining.
func (n *Notifier) Decline() { n.Clear() }

func (n *Notifier) Clear() {
	n.mu.Lock()
	had := n.pending != nil
	n.pending = nil
	n.mu.Unlock()
	if had {
		n.emit(nil)
	}
}

// Accept clears the pending ring and joins its call.
func (n *Notifier) Accept(ctx context.Context) error {
	n.mu.Lock()
	ring := n.pending
	n.pending = nil
	n.mu.Unlock()
	if ring == nil {
		return ErrNoPendingRing
	}
	n.emit(nil)
	return n.joiner.JoinCall(ctx, ring.Board, ring.CallID)
}

func (n *Notifier) emit(r *Ring) {
	n.lmu.RLock()
	fns := make([]func(*Ring), len(n.listeners))
	copy(fns, n.listeners)
	n.lmu.RUnlock()
	for _, fn := range fns {
		fn(r)
	}
}
