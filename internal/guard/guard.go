// Package guard gates protected views on the session: it waits for restoration,
// then renders, or redirects to the login surface of the required role.
//
//	INIT -> WAITING_FOR_RESTORATION -> UNAUTHENTICATED | WRONG_ROLE | READY
//
// No redirect is decided before the store has restored.
package guard

import (
	"context"

	"github.com/and161185/portal-session/internal/model"
	"github.com/and161185/portal-session/internal/session"
	"go.uber.org/zap"
)

// State is a guard state.
type State int

const (
	StateInit State = iota
	StateWaiting
	StateUnauthenticated
	StateWrongRole
	StateReady
)

func (s State) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateWaiting:
		return "WAITING_FOR_RESTORATION"
	case StateUnauthenticated:
		return "UNAUTHENTICATED"
	case StateWrongRole:
		return "WRONG_ROLE"
	case StateReady:
		return "READY"
	}
	return "UNKNOWN"
}

// Terminal reports whether s is a post-restoration decision.
func (s State) Terminal() bool { return s >= StateUnauthenticated }

// Decision is the outcome of an evaluation. Redirect is set for UNAUTHENTICATED and
// WRONG_ROLE; User is set only when READY.
type Decision struct {
	State    State
	Redirect string
	User     *model.User
}

// Navigator performs redirects.
type Navigator interface {
	Navigate(path string)
}

// Guard protects views that require an optional role.
type Guard struct {
	store    *session.Store
	required model.Role
	nav      Navigator
	log      *zap.Logger
}

// Option configures a Guard.
type Option func(*Guard)

// WithNavigator sends redirect decisions to n.
func WithNavigator(n Navigator) Option { return func(g *Guard) { g.nav = n } }

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(g *Guard) {
		if l != nil {
			g.log = l
		}
	}
}

// New returns a guard for views requiring role (empty for any signed-in user).
func New(store *session.Store, role model.Role, opts ...Option) *Guard {
	g := &Guard{store: store, required: role, log: zap.NewNop()}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Evaluate waits for restoration, decides, and navigates on a redirect decision.
// If ctx ends first it returns a WAITING decision and ctx's error.
func (g *Guard) Evaluate(ctx context.Context) (Decision, error) {
	if err := g.store.WaitRestored(ctx); err != nil {
		return Decision{State: StateWaiting}, err
	}
	d := g.decide(g.store.Snapshot())
	g.apply(d)
	return d, nil
}

// decide must only be called on a restored snapshot.
func (g *Guard) decide(s session.State) Decision {
	switch {
	case !s.Authenticated || s.User == nil:
		return Decision{State: StateUnauthenticated, Redirect: g.required.LoginPath()}
	case g.required != "" && s.User.Role != g.required:
		return Decision{State: StateWrongRole, Redirect: g.required.LoginPath()}
	}
	u := *s.User
	return Decision{State: StateReady, User: &u}
}

func (g *Guard) apply(d Decision) {
	if d.Redirect == "" {
		return
	}
	g.log.Debug("guard redirect", zap.Stringer("state", d.State), zap.String("to", d.Redirect))
	if g.nav != nil {
		g.nav.Navigate(d.Redirect)
	}
}

// Watch streams the guard's states: INIT, WAITING_FOR_RESTORATION while the store
// is restoring, then a terminal decision and a new one each time the session
// changes it. Redirects are navigated as they are emitted. The channel is closed
// when ctx ends.
func (g *Guard) Watch(ctx context.Context) <-chan Decision {
	out := make(chan Decision, 4)
	changed := make(chan struct{}, 1)
	unsub := g.store.Subscribe(func(session.State) {
		select {
		case changed <- struct{}{}:
		default:
		}
	})

	go func() {
		defer close(out)
		defer unsub()

		emit := func(d Decision) bool {
			select {
			case out <- d:
				return true
			case <-ctx.Done():
				return false
			}
		}

		if !emit(Decision{State: StateInit}) {
			return
		}
		if !g.store.IsRestored() {
			if !emit(Decision{State: StateWaiting}) {
				return
			}
			if err := g.store.WaitRestored(ctx); err != nil {
				return
			}
		}

		last := g.decide(g.store.Snapshot())
		g.apply(last)
		if !emit(last) {
			return
		}
		for {
			select {
			case <-ctx.Done():
				return
			case <-changed:
			}
			d := g.decide(g.store.Snapshot())
			if sameDecision(d, last) {
				continue
			}
			last = d
			g.apply(d)
			if !emit(d) {
				return
			}
		}
	}()
	return out
}

func sameDecision(a, b Decision) bool {
	if a.State != b.State || a.Redirect != b.Redirect {
		return false
	}
	if a.User == nil || b.User == nil {
		return a.User == b.User
	}
	return *a.User == *b.User
}
