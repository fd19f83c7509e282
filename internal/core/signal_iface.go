package core

import (
	"context"
	"encoding/json"
)

// PresenceEntry is one tracked record on a channel, keyed by subscriber.
type PresenceEntry struct {
	Key     string          `json:"key"`
	Payload json.RawMessage `json:"payload"`
}

// ChannelHandlers are invoked on the adapter's goroutine. Nil handlers are skipped.
type ChannelHandlers struct {
	// OnSync receives the full presence set after every change.
	OnSync      func(all []PresenceEntry)
	OnJoin      func(joined []PresenceEntry)
	OnLeave     func(left []PresenceEntry)
	OnBroadcast func(event string, payload json.RawMessage)
}

// SignalChannel is a named realtime group with presence and broadcast.
// Owned by whoever subscribed; Leave releases it.
type SignalChannel interface {
	Name() string
	Subscribe(ctx context.Context, h ChannelHandlers) error
	// Track replaces this subscriber's presence record.
	Track(ctx context.Context, payload any) error
	// Broadcast is fire-and-forget to every current subscriber except the sender.
	Broadcast(ctx context.Context, event string, payload any) error
	Leave(ctx context.Context) error
}

type ChannelFactory interface {
	Channel(name string) SignalChannel
}
