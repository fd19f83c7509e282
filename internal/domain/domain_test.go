package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecodePresenceDefaults(t *testing.T) {
	p, err := DecodePresence([]byte(`{"peerId":"p1","user":{"id":"u1"}}`))
	require.NoError(t, err)
	assert.Equal(t, "p1", p.PeerID)
	assert.Equal(t, DefaultUsername, p.User.Name)
	assert.Equal(t, ColorFor("u1"), p.User.Color)
	assert.False(t, p.Mic)
	assert.False(t, p.Camera)
}

func TestDecodePresenceRejectsMissingPeerID(t *testing.T) {
	_, err := DecodePresence([]byte(`{"user":{"id":"u1"},"mic":true}`))
	assert.ErrorIs(t, err, ErrPresenceMissingPeerID)

	_, err = DecodePresence([]byte(`[1,2]`))
	assert.Error(t, err)
}

func TestColorForIsStable(t *testing.T) {
	c := ColorFor("user-42")
	assert.Equal(t, c, ColorFor("user-42"))
	assert.Contains(t, UserColors, c)
	assert.Contains(t, UserColors, ColorFor(""))
	// long ids overflow the hash
	assert.Contains(t, UserColors, ColorFor("0123456789abcdef0123456789abcdef0123"))
}

func TestNewUser(t *testing.T) {
	u, err := NewUser("u1", "alice@example.com")
	require.NoError(t, err)
	assert.Equal(t, "alice", u.Name)
	assert.Equal(t, ColorFor("u1"), u.Color)
	assert.Equal(t, Identity{ID: "u1", Name: "alice", Color: u.Color}, u.Identity())

	_, err = NewUser("", "x@y")
	assert.ErrorIs(t, err, ErrUserIDEmpty)

	assert.Equal(t, DefaultUsername, NameFromEmail(""))
	assert.Equal(t, DefaultUsername, NameFromEmail("@host"))
}

func TestSetName(t *testing.T) {
	u, err := NewUser("u1", "")
	require.NoError(t, err)
	assert.ErrorIs(t, u.SetName("0123456789012345678901234567890123456789"), ErrUsernameTooLong)
	require.NoError(t, u.SetName(""))
	assert.Equal(t, DefaultUsername, u.Name)
}

func TestChannelNames(t *testing.T) {
	b := BoardID("b1")
	assert.Equal(t, "call:b1", b.CallChannel())
	assert.Equal(t, "cluster:b1:presence", b.CursorChannel())
}

func TestRoleString(t *testing.T) {
	assert.Equal(t, "host", RoleHost.String())
	assert.Equal(t, "guest", RoleGuest.String())
}
