package call

import "github.com/dkeye/notelify/internal/domain"

// State is one of Idle, Starting, Active or Ending.
type State interface {
	Name() string
	state()
}

type Idle struct{}

type Starting struct {
	Board domain.BoardID
	Role  domain.Role
}

type Active struct {
	Board  domain.BoardID
	Call   domain.CallID
	Role   domain.Role
	PeerID string
}

type Ending struct {
	Board domain.BoardID
	Call  domain.CallID
	Role  domain.Role
}

func (Idle) Name() string     { return "idle" }
func (Starting) Name() string { return "starting" }
func (Active) Name() string   { return "active" }
func (Ending) Name() string   { return "ending" }

func (Idle) state()     {}
func (Starting) state() {}
func (Active) state()   {}
func (Ending) state()   {}
