package domain

import "time"

type CallID string

type CallStatus string

const (
	CallStatusActive CallStatus = "active"
	CallStatusEnded  CallStatus = "ended"
)

const CallTypeVideo = "video"

// Call is one group session on a board. Only its host may end it.
type Call struct {
	ID        CallID     `gorm:"type:varchar(36);primaryKey" json:"id"`
	ClusterID BoardID    `gorm:"type:varchar(64);not null;index:idx_calls_cluster_status" json:"cluster_id"`
	HostID    UserID     `gorm:"type:varchar(36);not null" json:"host_id"`
	Status    CallStatus `gorm:"type:varchar(16);not null;default:'active';index:idx_calls_cluster_status" json:"status"`
	Type      string     `gorm:"type:varchar(16);default:'video'" json:"type"`
	StartedAt time.Time  `gorm:"autoCreateTime" json:"started_at"`
	UpdatedAt time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}

func (Call) TableName() string { return "calls" }

func (c *Call) IsActive() bool { return c.Status == CallStatusActive }

type ParticipantStatus string

const ParticipantConnected ParticipantStatus = "connected"

// CallParticipant is unique per (call, user); joining again upserts.
type CallParticipant struct {
	CallID   CallID            `gorm:"type:varchar(36);primaryKey" json:"call_id"`
	UserID   UserID            `gorm:"type:varchar(36);primaryKey" json:"user_id"`
	Status   ParticipantStatus `gorm:"type:varchar(16);not null;default:'connected'" json:"status"`
	JoinedAt time.Time         `json:"joined_at"`
	LastPing *time.Time        `json:"last_ping,omitempty"`
}

func (CallParticipant) TableName() string { return "call_participants" }

// Role is the local user's relation to the call they are in.
type Role int

const (
	RoleGuest Role = iota
	RoleHost
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "guest"
}
