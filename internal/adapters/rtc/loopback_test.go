package rtc

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/notelify/internal/core"
)

type events struct {
	mu      sync.Mutex
	streams map[string]core.MediaStream
	closed  []string
	errs    []string
}

func bind(t *testing.T, s core.TransportSession, local core.MediaStream) *events {
	t.Helper()
	ev := &events{streams: make(map[string]core.MediaStream)}
	s.OnIncomingCall(func(remote string, answer func(core.MediaStream) (core.MediaConnection, error)) {
		_, err := answer(local)
		assert.NoError(t, err)
	})
	s.OnRemoteStream(func(remote string, stream core.MediaStream) {
		ev.mu.Lock()
		ev.streams[remote] = stream
		ev.mu.Unlock()
	})
	s.OnClose(func(remote string) {
		ev.mu.Lock()
		ev.closed = append(ev.closed, remote)
		ev.mu.Unlock()
	})
	s.OnError(func(remote string, _ error) {
		ev.mu.Lock()
		ev.errs = append(ev.errs, remote)
		ev.mu.Unlock()
	})
	return ev
}

func (e *events) has(remote string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.streams[remote]
	return ok
}

func (e *events) closedCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.closed)
}

func TestLoopbackCallExchangesStreams(t *testing.T) {
	ctx := context.Background()
	net := NewLoopback(Devices{Audio: true, Video: true})
	media := core.MediaConstraints{Audio: true, Video: true}

	sa, err := net.CreateSession(ctx, "board", nil)
	require.NoError(t, err)
	sb, err := net.CreateSession(ctx, "board", nil)
	require.NoError(t, err)
	la, _ := net.Open(ctx, media)
	lb, _ := net.Open(ctx, media)
	ea, eb := bind(t, sa, la), bind(t, sb, lb)

	conn, err := sa.Call(sb.ID(), la)
	require.NoError(t, err)
	assert.Equal(t, sb.ID(), conn.PeerID())

	assert.Eventually(t, func() bool { return ea.has(sb.ID()) && eb.has(sa.ID()) }, time.Second, 5*time.Millisecond)
	eb.mu.Lock()
	assert.Same(t, la, eb.streams[sa.ID()], "stream shared by reference")
	eb.mu.Unlock()

	conn.Close()
	assert.Eventually(t, func() bool { return eb.closedCount() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, ea.closedCount(), "local hangup does not fire close")
	assert.Empty(t, sa.(*LoopbackSession).Peers())
	assert.Empty(t, sb.(*LoopbackSession).Peers())
}

func TestLoopbackUnknownPeer(t *testing.T) {
	ctx := context.Background()
	net := NewLoopback(Devices{Audio: true})
	sa, err := net.CreateSession(ctx, "board", nil)
	require.NoError(t, err)

	_, err = sa.Call("nobody", nil)
	assert.ErrorIs(t, err, ErrPeerUnavailable)
	assert.ErrorIs(t, err, core.ErrTransportConnection)
}

func TestLoopbackRoomsAreIsolated(t *testing.T) {
	ctx := context.Background()
	net := NewLoopback(Devices{Audio: true})
	sa, _ := net.CreateSession(ctx, "one", nil)
	sb, _ := net.CreateSession(ctx, "two", nil)

	_, err := sa.Call(sb.ID(), nil)
	assert.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestLoopbackSessionCloseHangsUp(t *testing.T) {
	ctx := context.Background()
	net := NewLoopback(Devices{Audio: true})
	sa, _ := net.CreateSession(ctx, "board", nil)
	sb, _ := net.CreateSession(ctx, "board", nil)
	la, _ := net.Open(ctx, core.MediaConstraints{Audio: true})
	lb, _ := net.Open(ctx, core.MediaConstraints{Audio: true})
	_ = bind(t, sa, la)
	eb := bind(t, sb, lb)

	_, err := sa.Call(sb.ID(), la)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return eb.has(sa.ID()) }, time.Second, 5*time.Millisecond)

	sa.Close()
	assert.Eventually(t, func() bool { return eb.closedCount() == 1 }, time.Second, 5*time.Millisecond)

	_, err = sb.Call(sa.ID(), lb)
	assert.ErrorIs(t, err, ErrPeerUnavailable)
}

func TestLoopbackFail(t *testing.T) {
	ctx := context.Background()
	net := NewLoopback(Devices{Audio: true})
	sa, _ := net.CreateSession(ctx, "board", nil)
	sb, _ := net.CreateSession(ctx, "board", nil)
	la, _ := net.Open(ctx, core.MediaConstraints{Audio: true})
	lb, _ := net.Open(ctx, core.MediaConstraints{Audio: true})
	ea := bind(t, sa, la)
	eb := bind(t, sb, lb)

	_, err := sa.Call(sb.ID(), la)
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return ea.has(sb.ID()) }, time.Second, 5*time.Millisecond)

	sa.(*LoopbackSession).Fail(sb.ID(), errors.New("ice failed"))
	assert.Eventually(t, func() bool {
		ea.mu.Lock()
		defer ea.mu.Unlock()
		return len(ea.errs) == 1
	}, time.Second, 5*time.Millisecond)
	assert.Eventually(t, func() bool { return eb.closedCount() == 1 }, time.Second, 5*time.Millisecond)
}
