// Package auth is the signed-in account of a call agent.
package auth

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/notelify/internal/core"
	"github.com/dkeye/notelify/internal/domain"
)

// Agent implements core.Auth for the single user an agent process acts for.
type Agent struct {
	mu   sync.RWMutex
	user *domain.User
}

// NewAgent signs id in when it is set; an empty id starts signed out.
func NewAgent(id, email, name string) (*Agent, error) {
	a := &Agent{}
	if id == "" {
		return a, nil
	}
	if _, err := a.SignIn(domain.UserID(id), email, name); err != nil {
		return nil, err
	}
	return a, nil
}

func (a *Agent) CurrentUser(context.Context) (*domain.User, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.user == nil {
		return nil, core.ErrNotAuthenticated
	}
	u := *a.user
	return &u, nil
}

func (a *Agent) SignIn(id domain.UserID, email, name string) (*domain.User, error) {
	u, err := domain.NewUser(id, email)
	if err != nil {
		return nil, err
	}
	if name != "" {
		if err := u.SetName(name); err != nil {
			return nil, err
		}
	}
	a.mu.Lock()
	a.user = u
	a.mu.Unlock()
	log.Info().Str("module", "auth").Str("user_id", string(u.ID)).Str("name", u.Name).Msg("signed in")
	return u, nil
}

func (a *Agent) SignOut() {
	a.mu.Lock()
	a.user = nil
	a.mu.Unlock()
}

func (a *Agent) Rename(name string) (*domain.User, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.user == nil {
		return nil, core.ErrNotAuthenticated
	}
	if err := a.user.SetName(name); err != nil {
		return nil, err
	}
	u := *a.user
	return &u, nil
}
