package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/notelify/internal/app/call"
	"github.com/dkeye/notelify/internal/app/mesh"
	"github.com/dkeye/notelify/internal/app/notify"
	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
)

type Calls interface {
	StartCall(ctx context.Context, board domain.BoardID) error
	JoinCall(ctx context.Context, board domain.BoardID, id domain.CallID) error
	EndCall(ctx context.Context) error
	ToggleMute(ctx context.Context) (bool, error)
	ToggleCamera(ctx context.Context) (bool, error)
	State() call.State
	Roster() []mesh.Peer
	LocalStream() core.MediaStream
}

type Rings interface {
	Pending() (notify.Ring, bool)
	Accept(ctx context.Context) error
	Decline()
}

type Accounts interface {
	CurrentUser(ctx context.Context) (*domain.User, error)
	Rename(name string) (*domain.User, error)
}

// CallView is the UI's picture of the current call.
type CallView struct {
	State  string         `json:"state"`
	Board  domain.BoardID `json:"board,omitempty"`
	CallID domain.CallID  `json:"call_id,omitempty"`
	Role   string         `json:"role,omitempty"`
	PeerID string         `json:"peer_id,omitempty"`
	Mic    bool           `json:"mic"`
	Camera bool           `json:"camera"`
	Roster []mesh.Peer    `json:"roster"`
}

func NewCallView(calls Calls) CallView {
	v := CallView{Roster: []mesh.Peer{}}
	switch s := calls.State().(type) {
	case call.Starting:
		v.Board, v.Role = s.Board, s.Role.String()
	case call.Active:
		v.Board, v.CallID, v.Role, v.PeerID = s.Board, s.Call, s.Role.String(), s.PeerID
	case call.Ending:
		v.Board, v.CallID, v.Role = s.Board, s.Call, s.Role.String()
	}
	v.State = calls.State().Name()
	if stream := calls.LocalStream(); stream != nil {
		v.Mic = stream.Enabled(core.TrackAudio)
		v.Camera = stream.Enabled(core.TrackVideo)
	}
	if roster := calls.Roster(); roster != nil {
		v.Roster = roster
	}
	return v
}

type handlers struct {
	calls    Calls
	rings    Rings
	accounts Accounts
}

func (h *handlers) startCall(c *gin.Context) {
	board := domain.BoardID(c.Param("board"))
	if err := h.calls.StartCall(c.Request.Context(), board); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCallView(h.calls))
}

func (h *handlers) joinCall(c *gin.Context) {
	board := domain.BoardID(c.Param("board"))
	id := domain.CallID(c.Param("call"))
	if err := h.calls.JoinCall(c.Request.Context(), board, id); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCallView(h.calls))
}

func (h *handlers) endCall(c *gin.Context) {
	if err := h.calls.EndCall(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCallView(h.calls))
}

func (h *handlers) getCall(c *gin.Context) {
	c.JSON(http.StatusOK, NewCallView(h.calls))
}

func (h *handlers) toggleMute(c *gin.Context) {
	on, err := h.calls.ToggleMute(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"mic": on})
}

func (h *handlers) toggleCamera(c *gin.Context) {
	on, err := h.calls.ToggleCamera(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"camera": on})
}

func (h *handlers) getRing(c *gin.Context) {
	ring, ok := h.rings.Pending()
	if !ok {
		c.JSON(http.StatusOK, gin.H{"ring": nil})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ring": ring})
}

func (h *handlers) acceptRing(c *gin.Context) {
	if err := h.rings.Accept(c.Request.Context()); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, NewCallView(h.calls))
}

func (h *handlers) declineRing(c *gin.Context) {
	h.rings.Decline()
	c.Status(http.StatusNoContent)
}

func (h *handlers) whoAmI(c *gin.Context) {
	user, err := h.accounts.CurrentUser(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func (h *handlers) rename(c *gin.Context) {
	var req struct {
		Name string `json:"name"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.Name == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid name"})
		return
	}
	user, err := h.accounts.Rename(req.Name)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, user)
}

func writeError(c *gin.Context, err error) {
	var media *core.MediaAccessError
	switch {
	case errors.As(err, &media):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error(), "reason": media.Reason})
	case errors.Is(err, core.ErrMediaAccess):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrNotAuthenticated):
		c.JSON(http.StatusUnauthorized, gin.H{"error": err.Error()})
	case errors.Is(err, core.ErrCallInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, call.ErrNotInCall), errors.Is(err, notify.ErrNoPendingRing):
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
	case errors.Is(err, domain.ErrUsernameTooLong):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	default:
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}
