package mesh

import (
	"slices"
	"strings"

	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
)

// Peer is the local view of one remote participant.
type Peer struct {
	PeerID   string           `json:"peer_id"`
	User     domain.Identity  `json:"user"`
	Stream   core.MediaStream `json:"-"`
	Muted    bool             `json:"is_muted"`
	VideoOff bool             `json:"is_video_off"`
}

// roster holds peers keyed by transport id. Not safe for concurrent use;
// the coordinator guards it.
type roster map[string]*Peer

func (r roster) upsertStream(id string, stream core.MediaStream, known *domain.Presence) {
	if p, ok := r[id]; ok {
		p.Stream = stream
		return
	}
	p := &Peer{PeerID: id, Stream: stream, User: domain.PlaceholderIdentity()}
	if known != nil {
		p.apply(*known)
	}
	r[id] = p
}

// apply copies presence metadata and reports whether anything changed.
func (p *Peer) apply(pr domain.Presence) bool {
	muted, off := !pr.Mic, !pr.Camera
	if p.Muted == muted && p.VideoOff == off && p.User == pr.User {
		return false
	}
	p.Muted, p.VideoOff, p.User = muted, off, pr.User
	return true
}

func (r roster) snapshot() []Peer {
	out := make([]Peer, 0, len(r))
	for _, p := range r {
		out = append(out, *p)
	}
	slices.SortFunc(out, func(a, b Peer) int { return strings.Compare(a.PeerID, b.PeerID) })
	return out
}
