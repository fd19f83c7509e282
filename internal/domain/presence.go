package domain

import (
	"encoding/json"
	"errors"
	"fmt"
)

var ErrPresenceMissingPeerID = errors.New("presence record has no peer id")

const PlaceholderName = "Connecting..."

// Identity is the public user info carried next to a peer id.
type Identity struct {
	ID    UserID `json:"id"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// PlaceholderIdentity is shown for a stream whose presence has not arrived yet.
func PlaceholderIdentity() Identity {
	return Identity{ID: "?", Name: PlaceholderName, Color: "#999"}
}

// Presence is what a call member tracks on its signaling channel.
type Presence struct {
	PeerID string   `json:"peerId"`
	User   Identity `json:"user"`
	Mic    bool     `json:"mic"`
	Camera bool     `json:"camera"`
}

// Normalize fills defaults for optional fields and rejects records
// that cannot be routed.
func (p *Presence) Normalize() error {
	if p.PeerID == "" {
		return ErrPresenceMissingPeerID
	}
	if p.User.Name == "" {
		p.User.Name = DefaultUsername
	}
	if p.User.Color == "" {
		p.User.Color = ColorFor(p.User.ID)
	}
	return nil
}

// DecodePresence parses and validates a raw presence payload.
func DecodePresence(raw []byte) (Presence, error) {
	var p Presence
	if err := json.Unmarshal(raw, &p); err != nil {
		return Presence{}, fmt.Errorf("decode presence: %w", err)
	}
	if err := p.Normalize(); err != nil {
		return Presence{}, err
	}
	return p, nil
}
