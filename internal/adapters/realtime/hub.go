// Package realtime provides the channel relay used for presence, broadcast
// and record change notifications.
package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"

	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
)

var (
	ErrNotSubscribed     = errors.New("channel not subscribed")
	ErrAlreadySubscribed = errors.New("channel already subscribed")
)

// Hub is an in-process relay. Every subscriber gets its own ordered
// delivery queue; there is no ordering across subscribers.
type Hub struct {
	mu       sync.Mutex
	channels map[string]map[string]*hubMember

	fmu   sync.RWMutex
	feeds map[string]func(domain.Call)
}

type hubMember struct {
	key      string
	handlers core.ChannelHandlers
	presence json.RawMessage
	box      *mailbox
}

func NewHub() *Hub {
	return &Hub{
		channels: make(map[string]map[string]*hubMember),
		feeds:    make(map[string]func(domain.Call)),
	}
}

// Channel returns a fresh subscriber handle on name.
func (h *Hub) Channel(name string) core.SignalChannel {
	return &hubChannel{hub: h, name: name, key: uuid.NewString()}
}

// Members reports how many subscribers a channel has.
func (h *Hub) Members(name string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.channels[name])
}

func (h *Hub) subscribe(name, key string, hs core.ChannelHandlers) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	members, ok := h.channels[name]
	if !ok {
		members = make(map[string]*hubMember)
		h.channels[name] = members
	}
	if _, ok := members[key]; ok {
		return ErrAlreadySubscribed
	}
	m := &hubMember{key: key, handlers: hs, box: newMailbox()}
	members[key] = m

	all := presenceOf(members)
	m.box.push(func() { callSync(m.handlers, all) })
	log.Debug().Str("module", "realtime.hub").Str("channel", name).Str("key", key).Msg("subscribed")
	return nil
}

func (h *Hub) track(name, key string, payload json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.channels[name]
	m, ok := members[key]
	if !ok {
		return ErrNotSubscribed
	}
	m.presence = payload

	joined := []core.PresenceEntry{{Key: key, Payload: payload}}
	all := presenceOf(members)
	for _, other := range members {
		other := other
		other.box.push(func() {
			if other.handlers.OnJoin != nil {
				other.handlers.OnJoin(joined)
			}
			callSync(other.handlers, all)
		})
	}
	return nil
}

func (h *Hub) leave(name, key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.channels[name]
	m, ok := members[key]
	if !ok {
		return
	}
	delete(members, key)
	m.box.close()
	if len(members) == 0 {
		delete(h.channels, name)
		return
	}
	if m.presence == nil {
		return
	}

	left := []core.PresenceEntry{{Key: key, Payload: m.presence}}
	all := presenceOf(members)
	for _, other := range members {
		other := other
		other.box.push(func() {
			if other.handlers.OnLeave != nil {
				other.handlers.OnLeave(left)
			}
			callSync(other.handlers, all)
		})
	}
	log.Debug().Str("module", "realtime.hub").Str("channel", name).Str("key", key).Msg("left")
}

func (h *Hub) broadcast(name, from, event string, payload json.RawMessage) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	members := h.channels[name]
	if _, ok := members[from]; !ok {
		return ErrNotSubscribed
	}
	for key, other := range members {
		if key == from || other.handlers.OnBroadcast == nil {
			continue
		}
		other := other
		other.box.push(func() { other.handlers.OnBroadcast(event, payload) })
	}
	return nil
}

// PublishCallInsert fans a new call row out to every feed subscriber.
func (h *Hub) PublishCallInsert(_ context.Context, call domain.Call) error {
	h.fmu.RLock()
	fns := lo.Values(h.feeds)
	h.fmu.RUnlock()
	for _, fn := range fns {
		go fn(call)
	}
	return nil
}

func (h *Hub) SubscribeCallInserts(_ context.Context, fn func(domain.Call)) (func(), error) {
	id := uuid.NewString()
	h.fmu.Lock()
	h.feeds[id] = fn
	h.fmu.Unlock()
	return func() {
		h.fmu.Lock()
		delete(h.feeds, id)
		h.fmu.Unlock()
	}, nil
}

func presenceOf(members map[string]*hubMember) []core.PresenceEntry {
	out := make([]core.PresenceEntry, 0, len(members))
	for key, m := range members {
		if m.presence != nil {
			out = append(out, core.PresenceEntry{Key: key, Payload: m.presence})
		}
	}
	return out
}

func callSync(h core.ChannelHandlers, all []core.PresenceEntry) {
	if h.OnSync != nil {
		h.OnSync(all)
	}
}

type hubChannel struct {
	hub  *Hub
	name string
	key  string
}

func (c *hubChannel) Name() string { return c.name }

func (c *hubChannel) Subscribe(_ context.Context, h core.ChannelHandlers) error {
	return c.hub.subscribe(c.name, c.key, h)
}

func (c *hubChannel) Track(_ context.Context, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal presence: %w", err)
	}
	return c.hub.track(c.name, c.key, raw)
}

func (c *hubChannel) Broadcast(_ context.Context, event string, payload any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal broadcast: %w", err)
	}
	return c.hub.broadcast(c.name, c.key, event, raw)
}

func (c *hubChannel) Leave(_ context.Context) error {
	c.hub.leave(c.name, c.key)
	return nil
}
