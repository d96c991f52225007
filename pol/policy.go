// Package pol provides a simple role based access control system used by
// the host role to gate proposed events by the proposing client's role.
package pol

import (
	"sync"

	"github.com/mb0/xelf/cor"
)

// Policy allows users to execute an action or returns an error.
type Policy interface {
	Allow(user, action string) error
}

// Rules implements a role based policy. Reads and writes are safe for
// concurrent use: connection setup on the host may add or query roles
// from a different goroutine than the engine's own.
type Rules struct {
	mu    sync.RWMutex
	roles map[string]*role
}

func NewPolicy(def bool) *Rules { return &Rules{roles: make(map[string]*role)} }

func (p *Rules) AddRole(name string, def bool) *Rules {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.role(name).def = def
	return p
}
func (p *Rules) AddMember(role, group string) *Rules {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.role(role)
	s.roles = append(s.roles, p.role(group))
	return p
}
func (p *Rules) Grant(role, action string) *Rules {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.role(role)
	s.allow = append(s.allow, action)
	return p
}
func (p *Rules) Deny(role, action string) *Rules {
	p.mu.Lock()
	defer p.mu.Unlock()
	s := p.role(role)
	s.deny = append(s.deny, action)
	return p
}

// Allow implements Policy.
func (p *Rules) Allow(user, action string) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s := p.roles[user]
	if s == nil {
		return cor.Errorf("subject %q is unknown", user)
	}
	if !s.def && !s.allowed(action) {
		return cor.Errorf("subject %q is not allowed to %q", user, action)
	}
	if s.denied(action) {
		return cor.Errorf("subject %q is denied to %q", user, action)
	}
	return nil
}

// role must be called with p.mu held.
func (p *Rules) role(sub string) (s *role) {
	if s = p.roles[sub]; s == nil {
		s = &role{name: sub}
		p.roles[sub] = s
	}
	return s
}

type role struct {
	name  string
	def   bool
	allow []string
	deny  []string
	roles []*role
}

func (s *role) allowed(act string) bool {
	for _, a := range s.allow {
		if act == a {
			return true
		}
	}
	for _, r := range s.roles {
		if r.allowed(act) {
			return true
		}
	}
	return false
}

func (s *role) denied(act string) bool {
	for _, a := range s.deny {
		if act == a {
			return true
		}
	}
	for _, r := range s.roles {
		if r.denied(act) {
			return true
		}
	}
	return false
}
