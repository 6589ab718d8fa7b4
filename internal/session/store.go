package session

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/and161185/portal-session/internal/metrics"
	"github.com/and161185/portal-session/internal/model"
	"github.com/and161185/portal-session/internal/storage"
	"go.uber.org/zap"
)

// ErrIncompleteSession is returned by SetAuth when the user or a token is missing.
var ErrIncompleteSession = errors.New("session: user and both tokens are required")

// Store is the single source of truth for the current session of one process.
// It is safe for concurrent use.
type Store struct {
	mu    sync.RWMutex
	state State

	persister Persister
	log       *zap.Logger
	metrics   *metrics.Metrics

	subMu  sync.Mutex
	subs   map[int]func(State)
	nextID int

	restoreOnce sync.Once
	restored    chan struct{}
}

// Option configures a Store.
type Option func(*Store)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Store) {
		if l != nil {
			s.log = l
		}
	}
}

// WithMetrics enables storage error counters.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Store) { s.metrics = m }
}

// WithPersister replaces the default storage persister.
func WithPersister(p Persister) Option {
	return func(s *Store) { s.persister = p }
}

// New constructs a store over st. Call Restore once to load the durable copy.
func New(st storage.Storage, opts ...Option) *Store {
	s := &Store{
		persister: NewStoragePersister(st),
		log:       zap.NewNop(),
		subs:      map[int]func(State){},
		restored:  make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// Restore loads the durable copy into memory and then fires the restoration event.
// It runs once; later calls return immediately. A storage failure leaves the store
// logged out but still restored.
func (s *Store) Restore(ctx context.Context) {
	s.restoreOnce.Do(func() {
		loaded, err := s.persister.Load(ctx)
		if err != nil && !errors.Is(err, errs.ErrNotFound) {
			s.log.Warn("session restore failed, continuing without durable copy", zap.Error(err))
			s.metrics.StorageError("load")
		}

		s.mu.Lock()
		prev := s.state
		s.state = Reduce(prev, Action{Kind: KindRestore, User: loaded.User, Tokens: loaded.Tokens})
		next := s.state.clone()
		s.mu.Unlock()

		close(s.restored)
		s.log.Debug("session restored", zap.Bool("authenticated", next.Authenticated))
		s.notify(next)
	})
}

// Restored is closed once restoration has completed.
func (s *Store) Restored() <-chan struct{} { return s.restored }

// IsRestored reports whether restoration has completed.
func (s *Store) IsRestored() bool {
	select {
	case <-s.restored:
		return true
	default:
		return false
	}
}

// WaitRestored blocks until restoration completes or ctx is done.
func (s *Store) WaitRestored(ctx context.Context) error {
	select {
	case <-s.restored:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// SetAuth stores a new session, replacing any previous one.
func (s *Store) SetAuth(ctx context.Context, u model.User, access, refresh string) error {
	if access == "" || refresh == "" {
		return ErrIncompleteSession
	}
	s.dispatch(ctx, Action{Kind: KindSetAuth, User: &u, Tokens: model.TokenPair{AccessToken: access, RefreshToken: refresh}})
	return nil
}

// Logout drops the session from memory and durable storage. Calling it while
// logged out is a no-op apart from re-clearing storage.
func (s *Store) Logout(ctx context.Context) {
	s.dispatch(ctx, Action{Kind: KindLogout})
}

// UpdateUser replaces the identity record and keeps the tokens.
func (s *Store) UpdateUser(ctx context.Context, u model.User) {
	s.dispatch(ctx, Action{Kind: KindUpdateUser, User: &u})
}

// SetAccessToken replaces the access token after a successful refresh.
func (s *Store) SetAccessToken(ctx context.Context, access string) {
	s.dispatch(ctx, Action{Kind: KindSetAccessToken, Tokens: model.TokenPair{AccessToken: access}})
}

// Snapshot returns a copy of the current state.
func (s *Store) Snapshot() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.clone()
}

// AccessToken returns the current access token or "".
func (s *Store) AccessToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Tokens.AccessToken
}

// RefreshToken returns the current refresh token or "".
func (s *Store) RefreshToken() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Tokens.RefreshToken
}

// IsAuthenticated reports whether a session is held in memory.
func (s *Store) IsAuthenticated() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state.Authenticated
}

// Subscribe registers fn to be called with every new state. The returned function
// unregisters it.
func (s *Store) Subscribe(fn func(State)) func() {
	s.subMu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.subMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.subMu.Lock()
			delete(s.subs, id)
			s.subMu.Unlock()
		})
	}
}

// dispatch applies a under the write lock and persists before releasing it, so no
// reader of this store observes memory ahead of storage.
func (s *Store) dispatch(ctx context.Context, a Action) {
	s.mu.Lock()
	prev := s.state
	next := Reduce(prev, a)
	s.state = next
	changed := !next.Equal(prev)
	if changed || a.Kind == KindLogout {
		if err := s.persister.Persist(ctx, next); err != nil {
			s.log.Warn("session persist failed, continuing memory-only",
				zap.Int("kind", int(a.Kind)), zap.Error(err))
			s.metrics.StorageError("persist")
		}
	}
	snap := next.clone()
	s.mu.Unlock()

	if changed {
		s.notify(snap)
	}
}

func (s *Store) notify(st State) {
	s.subMu.Lock()
	ids := make([]int, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	fns := make([]func(State), 0, len(ids))
	slices.Sort(ids)
	for _, id := range ids {
		fns = append(fns, s.subs[id])
	}
	s.subMu.Unlock()

	for _, fn := range fns {
		fn(st.clone())
	}
}
