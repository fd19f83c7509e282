package core

import (
	"errors"
	"fmt"
)

var (
	ErrMediaAccess         = errors.New("media access failed")
	ErrSignalingSubscribe  = errors.New("signaling subscribe failed")
	ErrTransportConnection = errors.New("transport connection failed")
	ErrHeartbeat           = errors.New("heartbeat failed")
	ErrNotAuthenticated    = errors.New("authentication required")
	ErrCallNotFound        = errors.New("call not found")
	ErrCallInProgress      = errors.New("a call is already in progress")
)

type MediaAccessReason string

const (
	MediaPermissionDenied MediaAccessReason = "permission_denied"
	MediaNotFound         MediaAccessReason = "not_found"
	MediaUnknown          MediaAccessReason = "unknown"
)

// MediaAccessError is returned when local devices cannot be opened.
// errors.Is(err, ErrMediaAccess) holds for it.
type MediaAccessError struct {
	Reason MediaAccessReason
	Err    error
}

func (e *MediaAccessError) Error() string {
	switch e.Reason {
	case MediaPermissionDenied:
		return "camera/microphone permission denied"
	case MediaNotFound:
		return "no camera or microphone found"
	}
	if e.Err != nil {
		return fmt.Sprintf("failed to access media devices: %v", e.Err)
	}
	return "failed to access media devices"
}

func (e *MediaAccessError) Unwrap() []error {
	if e.Err == nil {
		return []error{ErrMediaAccess}
	}
	return []error{ErrMediaAccess, e.Err}
}
