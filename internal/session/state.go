// Package session implements the client-side session store: who is logged in, with which
// tokens, persisted across restarts and restored exactly once per store lifetime.
//
// State transitions are computed by the pure Reduce function. A Persister observes the
// resulting states and mirrors them into durable storage.
package session

import "github.com/and161185/portal-session/internal/model"

// State is an immutable snapshot of the session.
type State struct {
	User          *model.User
	Tokens        model.TokenPair
	Authenticated bool
	Restored      bool

	// touched is set by SetAuth or Logout before restoration; the durable copy is
	// then older than memory and is dropped.
	touched bool
}

// Kind enumerates store transitions.
type Kind int

// Transitions.
const (
	KindRestore Kind = iota + 1
	KindSetAuth
	KindLogout
	KindUpdateUser
	KindSetAccessToken
)

// Action is a transition request fed to Reduce.
type Action struct {
	Kind   Kind
	User   *model.User
	Tokens model.TokenPair
}

// Reduce returns the state that follows s after a. It never mutates its inputs.
//
// A session exists iff the user and both tokens are present; any other combination
// collapses to the logged-out state.
func Reduce(s State, a Action) State {
	switch a.Kind {
	case KindRestore:
		if s.Restored {
			return s
		}
		if s.touched || s.Authenticated {
			s.Restored = true
			s.touched = false
			return s
		}
		next := loggedIn(a.User, a.Tokens)
		next.Restored = true
		return next

	case KindSetAuth:
		next := loggedIn(a.User, a.Tokens)
		next.Restored = s.Restored
		next.touched = !s.Restored
		return next

	case KindLogout:
		return State{Restored: s.Restored, touched: !s.Restored}

	case KindUpdateUser:
		if !s.Authenticated || a.User == nil {
			return s
		}
		s.User = cloneUser(a.User)
		return s

	case KindSetAccessToken:
		if !s.Authenticated || a.Tokens.AccessToken == "" {
			return s
		}
		s.Tokens.AccessToken = a.Tokens.AccessToken
		return s
	}
	return s
}

func loggedIn(u *model.User, tp model.TokenPair) State {
	if u == nil || tp.AccessToken == "" || tp.RefreshToken == "" {
		return State{}
	}
	return State{User: cloneUser(u), Tokens: tp, Authenticated: true}
}

// Equal reports whether two states carry the same session.
func (s State) Equal(o State) bool {
	if s.Authenticated != o.Authenticated || s.Restored != o.Restored || s.Tokens != o.Tokens {
		return false
	}
	switch {
	case s.User == nil && o.User == nil:
		return true
	case s.User == nil || o.User == nil:
		return false
	}
	return *s.User == *o.User
}

// Role returns the session role, or "" when logged out.
func (s State) Role() model.Role {
	if s.User == nil {
		return ""
	}
	return s.User.Role
}

func (s State) clone() State {
	s.User = cloneUser(s.User)
	return s
}

func cloneUser(u *model.User) *model.User {
	if u == nil {
		return nil
	}
	c := *u
	return &c
}
