package domain

import "fmt"

// BoardID identifies a cluster (board). A board has at most one active call.
type BoardID string

// CallChannel is the signaling channel name used by calls on this board.
func (b BoardID) CallChannel() string { return fmt.Sprintf("call:%s", b) }

// CursorChannel is the channel carrying cursor broadcasts for this board.
func (b BoardID) CursorChannel() string { return fmt.Sprintf("cluster:%s:presence", b) }
