// Package cursor shares pointer positions between users looking at the same board.
package cursor

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
)

const (
	MoveEvent    = "cursor-move"
	ThrottleRate = 16 * time.Millisecond
	unknownName  = "Unknown"
)

// Cursor is the last known position of another user's pointer.
type Cursor struct {
	UserID    domain.UserID `json:"userId"`
	X         float64       `json:"x"`
	Y         float64       `json:"y"`
	Name      string        `json:"name"`
	Color     string        `json:"color"`
	UpdatedAt time.Time     `json:"lastUpdated"`
}

// Move is the cursor-move broadcast payload.
type Move struct {
	UserID domain.UserID `json:"userId"`
	X      float64       `json:"x"`
	Y      float64       `json:"y"`
	Name   string        `json:"name,omitempty"`
}

type viewer struct {
	UserID   domain.UserID `json:"user_id"`
	Name     string        `json:"name"`
	OnlineAt time.Time     `json:"online_at"`
}

type Tracker struct {
	channel core.SignalChannel
	self    *domain.User
	limiter *RateLimiter

	mu      sync.Mutex
	cursors map[domain.UserID]*Cursor

	lmu       sync.RWMutex
	listeners []func([]Cursor)
}

func NewTracker(channels core.ChannelFactory, board domain.BoardID, self *domain.User) *Tracker {
	return &Tracker{
		channel: channels.Channel(board.CursorChannel()),
		self:    self,
		limiter: NewRateLimiter(1, ThrottleRate),
		cursors: make(map[domain.UserID]*Cursor),
	}
}

func (t *Tracker) OnChange(fn func([]Cursor)) {
	t.lmu.Lock()
	t.listeners = append(t.listeners, fn)
	t.lmu.Unlock()
}

func (t *Tracker) Start(ctx context.Context) error {
	err := t.channel.Subscribe(ctx, core.ChannelHandlers{
		OnSync:      t.handleSync,
		OnLeave:     t.handleLeave,
		OnBroadcast: t.handleBroadcast,
	})
	if err != nil {
		return fmt.Errorf("%w: %s: %v", core.ErrSignalingSubscribe, t.channel.Name(), err)
	}
	return t.channel.Track(ctx, viewer{UserID: t.self.ID, Name: t.self.Name, OnlineAt: time.Now()})
}

// Move broadcasts the local pointer; returns false when throttled.
func (t *Tracker) Move(ctx context.Context, x, y float64) (bool, error) {
	if !t.limiter.Allow(t.self.ID) {
		return false, nil
	}
	err := t.channel.Broadcast(ctx, MoveEvent, Move{UserID: t.self.ID, X: x, Y: y, Name: t.self.Name})
	if err != nil {
		return false, err
	}
	return true, nil
}

func (t *Tracker) Cursors() []Cursor {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) Close(ctx context.Context) error {
	return t.channel.Leave(ctx)
}

func (t *Tracker) handleSync(entries []core.PresenceEntry) {
	viewers := decodeViewers(entries)
	active := lo.SliceToMap(viewers, func(v viewer) (domain.UserID, viewer) { return v.UserID, v })

	t.mu.Lock()
	for id := range t.cursors {
		if _, ok := active[id]; !ok {
			delete(t.cursors, id)
		}
	}
	for id, v := range active {
		if id == t.self.ID {
			continue
		}
		if _, ok := t.cursors[id]; ok {
			continue
		}
		name := v.Name
		if name == "" {
			name = domain.DefaultUsername
		}
		t.cursors[id] = &Cursor{UserID: id, Name: name, Color: domain.ColorFor(id), UpdatedAt: time.Now()}
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.emit(snap)
}

func (t *Tracker) handleLeave(entries []core.PresenceEntry) {
	t.mu.Lock()
	changed := false
	for _, v := range decodeViewers(entries) {
		if _, ok := t.cursors[v.UserID]; ok {
			delete(t.cursors, v.UserID)
			changed = true
		}
	}
	snap := t.snapshotLocked()
	t.mu.Unlock()
	if changed {
		t.emit(snap)
	}
}

func (t *Tracker) handleBroadcast(event string, payload json.RawMessage) {
	if event != MoveEvent {
		return
	}
	var m Move
	if err := json.Unmarshal(payload, &m); err != nil || m.UserID == "" {
		log.Debug().Err(err).Str("module", "cursor").Msg("dropping cursor move")
		return
	}
	if m.UserID == t.self.ID {
		return
	}

	t.mu.Lock()
	c, ok := t.cursors[m.UserID]
	if !ok {
		// move raced ahead of presence
		name := m.Name
		if name == "" {
			name = unknownName
		}
		c = &Cursor{UserID: m.UserID, Name: name, Color: domain.ColorFor(m.UserID)}
		t.cursors[m.UserID] = c
	}
	c.X, c.Y, c.UpdatedAt = m.X, m.Y, time.Now()
	snap := t.snapshotLocked()
	t.mu.Unlock()
	t.emit(snap)
}

func (t *Tracker) snapshotLocked() []Cursor {
	out := make([]Cursor, 0, len(t.cursors))
	for _, c := range t.cursors {
		out = append(out, *c)
	}
	slices.SortFunc(out, func(a, b Cursor) int { return strings.Compare(string(a.UserID), string(b.UserID)) })
	return out
}

func (t *Tracker) emit(snap []Cursor) {
	t.lmu.RLock()
	fns := make([]func([]Cursor), len(t.listeners))
	copy(fns, t.listeners)
	t.lmu.RUnlock()
	for _, fn := range fns {
		fn(snap)
	}
}

func decodeViewers(entries []core.PresenceEntry) []viewer {
	return lo.FilterMap(entries, func(e core.PresenceEntry, _ int) (viewer, bool) {
		var v viewer
		if err := json.Unmarshal(e.Payload, &v); err != nil || v.UserID == "" {
			return viewer{}, false
		}
		return v, true
	})
}
