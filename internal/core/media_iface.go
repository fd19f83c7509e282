package core

import (
	"context"

	"github.com/pion/webrtc/v4"
)

type MediaConstraints struct {
	Audio bool
	Video bool
}

type TrackKind string

const (
	TrackAudio TrackKind = "audio"
	TrackVideo TrackKind = "video"
)

// MediaStream is a set of tracks shared by reference with every connection.
// Toggling a track is immediately visible to all of them.
type MediaStream interface {
	ID() string
	SetEnabled(kind TrackKind, enabled bool)
	Enabled(kind TrackKind) bool
	Stop()
}

// MediaConnection is one pairwise call.
type MediaConnection interface {
	PeerID() string
	Close()
}

// TransportSession is a local endpoint with a transport peer id.
// Handlers must not be invoked synchronously from Call or Close.
type TransportSession interface {
	ID() string
	// OnIncomingCall hands an inbound call; answer attaches the local stream.
	OnIncomingCall(fn func(remoteID string, answer func(MediaStream) (MediaConnection, error)))
	OnRemoteStream(fn func(remoteID string, stream MediaStream))
	OnClose(fn func(remoteID string))
	OnError(fn func(remoteID string, err error))
	Call(remoteID string, stream MediaStream) (MediaConnection, error)
	Close()
}

// PeerTransport opens local media and creates transport sessions.
// Sessions created for the same room can reach each other.
type PeerTransport interface {
	Open(ctx context.Context, c MediaConstraints) (MediaStream, error)
	CreateSession(ctx context.Context, room string, iceServers []webrtc.ICEServer) (TransportSession, error)
}
