// Package domain contains entity without logic, just meta-data
package domain

import (
	"errors"
	"strings"
)

const (
	MaxUserIDLen   = 36
	MaxUsernameLen = 36

	DefaultUsername = "User"
)

var (
	ErrUsernameTooLong = errors.New("username too long")
	ErrUserIDEmpty     = errors.New("user id empty")
)

// Palette shared by cursors and call tiles.
var UserColors = []string{
	"#EF4444",
	"#F59E0B",
	"#10B981",
	"#3B82F6",
	"#6366F1",
	"#8B5CF6",
	"#EC4899",
	"#06B6D4",
	"#F97316",
}

type UserID string

// User is the authenticated account as seen by the call subsystem.
type User struct {
	ID    UserID `json:"id"`
	Email string `json:"email,omitempty"`
	Name  string `json:"name"`
	Color string `json:"color"`
}

// NewUser derives display name and color from id and email.
func NewUser(id UserID, email string) (*User, error) {
	if id == "" {
		return nil, ErrUserIDEmpty
	}
	if len(id) > MaxUserIDLen {
		id = id[:MaxUserIDLen]
	}
	return &User{
		ID:    id,
		Email: email,
		Name:  NameFromEmail(email),
		Color: ColorFor(id),
	}, nil
}

func (u *User) SetName(name string) error {
	if len(name) > MaxUsernameLen {
		return ErrUsernameTooLong
	}
	if name == "" {
		name = DefaultUsername
	}
	u.Name = name
	return nil
}

// Identity is the part of a user that travels in presence records.
func (u *User) Identity() Identity {
	return Identity{ID: u.ID, Name: u.Name, Color: u.Color}
}

// NameFromEmail returns the local part of an email address.
func NameFromEmail(email string) string {
	local, _, _ := strings.Cut(email, "@")
	if local == "" {
		return DefaultUsername
	}
	if len(local) > MaxUsernameLen {
		local = local[:MaxUsernameLen]
	}
	return local
}

// ColorFor picks a stable palette entry for a user id.
func ColorFor(id UserID) string {
	var hash int32
	for _, r := range string(id) {
		hash = int32(r) + (hash << 5) - hash
	}
	idx := int(hash) % len(UserColors)
	if idx < 0 {
		idx = -idx
	}
	return UserColors[idx]
}
