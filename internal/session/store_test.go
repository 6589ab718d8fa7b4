package session

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/and161185/portal-session/internal/metrics"
	"github.com/and161185/portal-session/internal/model"
	"github.com/and161185/portal-session/internal/storage"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func tenantUser() model.User {
	return model.User{ID: "u-1", Email: "ana@example.com", Name: "Ana", Role: model.RoleTenantUser, TenantID: "t-1", Active: true}
}

// failingStorage fails every operation after being armed.
type failingStorage struct {
	storage.Storage
	mu   sync.Mutex
	fail bool
}

func (f *failingStorage) arm(v bool) { f.mu.Lock(); f.fail = v; f.mu.Unlock() }

func (f *failingStorage) err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("quota exceeded")
	}
	return nil
}

func (f *failingStorage) Get(ctx context.Context, k string) ([]byte, error) {
	if err := f.err(); err != nil {
		return nil, err
	}
	return f.Storage.Get(ctx, k)
}

func (f *failingStorage) Set(ctx context.Context, k string, v []byte) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.Storage.Set(ctx, k, v)
}

func (f *failingStorage) Delete(ctx context.Context, k string) error {
	if err := f.err(); err != nil {
		return err
	}
	return f.Storage.Delete(ctx, k)
}

func TestStore_SetAuthPersistsCompositeEntry(t *testing.T) {
	t.Parallel()
	mem := storage.NewMemory()
	s := New(mem, WithLogger(zaptest.NewLogger(t)))
	ctx := context.Background()
	s.Restore(ctx)

	require.NoError(t, s.SetAuth(ctx, tenantUser(), "A1", "R1"))
	require.True(t, s.IsAuthenticated())
	require.Equal(t, "A1", s.AccessToken())
	require.Equal(t, "R1", s.RefreshToken())

	raw, err := mem.Get(ctx, StorageKey)
	require.NoError(t, err)
	var c map[string]any
	require.NoError(t, json.Unmarshal(raw, &c))
	assert.Equal(t, "A1", c["accessToken"])
	assert.Equal(t, "R1", c["refreshToken"])
	assert.Equal(t, true, c["isAuthenticated"])
	assert.Equal(t, true, c["hasHydrated"])
	assert.Equal(t, 1, mem.Keys(), "only the composite entry is written")
}

func TestStore_SetAuthRejectsIncompleteSession(t *testing.T) {
	t.Parallel()
	s := New(storage.NewMemory())
	require.ErrorIs(t, s.SetAuth(context.Background(), tenantUser(), "", "R1"), ErrIncompleteSession)
	require.ErrorIs(t, s.SetAuth(context.Background(), tenantUser(), "A1", ""), ErrIncompleteSession)
	require.False(t, s.IsAuthenticated())
}

func TestStore_LogoutIsIdempotent(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	for _, name := range []string{"logged-in", "logged-out"} {
		t.Run(name, func(t *testing.T) {
			mem := storage.NewMemory()
			// stale legacy keys must not survive a logout
			require.NoError(t, mem.Set(ctx, legacyAccessKey, []byte("old")))
			s := New(mem)
			s.Restore(ctx)
			if name == "logged-in" {
				require.NoError(t, s.SetAuth(ctx, tenantUser(), "A1", "R1"))
			}

			s.Logout(ctx)
			once := s.Snapshot()
			onceKeys := mem.Keys()

			s.Logout(ctx)
			twice := s.Snapshot()

			require.True(t, once.Equal(twice))
			require.False(t, twice.Authenticated)
			require.Nil(t, twice.User)
			require.Zero(t, twice.Tokens)
			require.Equal(t, 0, onceKeys)
			require.Equal(t, 0, mem.Keys(), "no orphaned keys")
		})
	}
}

func TestStore_RestoreFiresOnceWithAndWithoutSession(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	empty := New(storage.NewMemory())
	require.False(t, empty.IsRestored())
	empty.Restore(ctx)
	require.True(t, empty.IsRestored())
	require.False(t, empty.IsAuthenticated())

	mem := storage.NewMemory()
	first := New(mem)
	first.Restore(ctx)
	require.NoError(t, first.SetAuth(ctx, tenantUser(), "A1", "R1"))

	reloaded := New(mem)
	calls := 0
	unsub := reloaded.Subscribe(func(State) { calls++ })
	defer unsub()
	reloaded.Restore(ctx)
	reloaded.Restore(ctx)

	require.Equal(t, 1, calls, "restoration notifies exactly once")
	require.True(t, reloaded.IsAuthenticated())
	require.Equal(t, "A1", reloaded.AccessToken())
	require.Equal(t, tenantUser(), *reloaded.Snapshot().User)
}

func TestStore_WaitRestored(t *testing.T) {
	t.Parallel()
	s := New(storage.NewMemory())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, s.WaitRestored(ctx), context.DeadlineExceeded)

	go func() {
		time.Sleep(5 * time.Millisecond)
		s.Restore(context.Background())
	}()
	require.NoError(t, s.WaitRestored(context.Background()))
	select {
	case <-s.Restored():
	default:
		t.Fatalf("Restored channel must be closed")
	}
}

func TestStore_UpdateUserKeepsTokens(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(storage.NewMemory())
	s.Restore(ctx)

	s.UpdateUser(ctx, tenantUser())
	require.False(t, s.IsAuthenticated(), "update while logged out is a no-op")

	require.NoError(t, s.SetAuth(ctx, tenantUser(), "A1", "R1"))
	u := tenantUser()
	u.Name = "Ana Maria"
	s.UpdateUser(ctx, u)

	snap := s.Snapshot()
	require.Equal(t, "Ana Maria", snap.User.Name)
	require.Equal(t, model.TokenPair{AccessToken: "A1", RefreshToken: "R1"}, snap.Tokens)
}

func TestStore_SetAccessToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	s := New(mem)
	s.Restore(ctx)

	s.SetAccessToken(ctx, "A2")
	require.Equal(t, "", s.AccessToken(), "no token without a session")

	require.NoError(t, s.SetAuth(ctx, tenantUser(), "A1", "R1"))
	s.SetAccessToken(ctx, "A2")
	require.Equal(t, "A2", s.AccessToken())
	require.Equal(t, "R1", s.RefreshToken())

	reloaded := New(mem)
	reloaded.Restore(ctx)
	require.Equal(t, "A2", reloaded.AccessToken())
}

func TestStore_StorageFailureDegradesToMemory(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	fs := &failingStorage{Storage: storage.NewMemory()}
	m := metrics.New("test")
	s := New(fs, WithLogger(zaptest.NewLogger(t)), WithMetrics(m))
	s.Restore(ctx)

	fs.arm(true)
	require.NoError(t, s.SetAuth(ctx, tenantUser(), "A1", "R1"))
	require.True(t, s.IsAuthenticated(), "memory keeps working")
	s.Logout(ctx)
	require.False(t, s.IsAuthenticated())
	require.Equal(t, 2.0, testutil.ToFloat64(m.StorageErrors.WithLabelValues("persist")))

	fs.arm(false)
	_, err := fs.Get(ctx, StorageKey)
	require.ErrorIs(t, err, errs.ErrNotFound, "nothing reached storage")
}

func TestStore_RestoreFailureStillCompletes(t *testing.T) {
	t.Parallel()
	fs := &failingStorage{Storage: storage.NewMemory()}
	fs.arm(true)
	m := metrics.New("test")
	s := New(fs, WithMetrics(m))
	s.Restore(context.Background())
	require.True(t, s.IsRestored())
	require.False(t, s.IsAuthenticated())
	require.Equal(t, 1.0, testutil.ToFloat64(m.StorageErrors.WithLabelValues("load")))
}

func TestStore_SetAuthBeforeRestoreWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	old := New(mem)
	old.Restore(ctx)
	require.NoError(t, old.SetAuth(ctx, tenantUser(), "OLD", "ROLD"))

	s := New(mem)
	require.NoError(t, s.SetAuth(ctx, tenantUser(), "NEW", "RNEW"))
	s.Restore(ctx)
	require.Equal(t, "NEW", s.AccessToken())
}

// gatedPersister holds Load until release is closed, after reading the durable copy.
type gatedPersister struct {
	Persister
	loaded  chan struct{}
	release chan struct{}
}

func (g *gatedPersister) Load(ctx context.Context) (State, error) {
	st, err := g.Persister.Load(ctx)
	close(g.loaded)
	<-g.release
	return st, err
}

func TestStore_LogoutDuringRestoreWins(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	old := New(mem)
	old.Restore(ctx)
	require.NoError(t, old.SetAuth(ctx, tenantUser(), "A0", "R0"))

	gp := &gatedPersister{Persister: NewStoragePersister(mem), loaded: make(chan struct{}), release: make(chan struct{})}
	s := New(mem, WithPersister(gp))
	done := make(chan struct{})
	go func() {
		s.Restore(ctx)
		close(done)
	}()

	<-gp.loaded
	s.Logout(ctx)
	close(gp.release)
	<-done

	_, err := mem.Get(ctx, StorageKey)
	require.ErrorIs(t, err, errs.ErrNotFound)
	require.True(t, s.IsRestored())
	require.False(t, s.IsAuthenticated())
	require.Empty(t, s.AccessToken())
}

func TestStore_RestoreRequiresRefreshToken(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	u := tenantUser()
	raw, err := json.Marshal(composite{User: &u, AccessToken: "A0", IsAuthenticated: true, HasHydrated: true})
	require.NoError(t, err)
	require.NoError(t, mem.Set(ctx, StorageKey, raw))

	s := New(mem)
	s.Restore(ctx)
	require.True(t, s.IsRestored())
	require.False(t, s.IsAuthenticated())
}

func TestStore_LegacyKeysFallback(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	ub, _ := json.Marshal(tenantUser())
	require.NoError(t, mem.Set(ctx, legacyAccessKey, []byte("A0")))
	require.NoError(t, mem.Set(ctx, legacyRefreshKey, []byte("R0")))
	require.NoError(t, mem.Set(ctx, legacyUserKey, ub))

	s := New(mem)
	s.Restore(ctx)
	require.True(t, s.IsAuthenticated())
	require.Equal(t, "A0", s.AccessToken())

	s.Logout(ctx)
	require.Equal(t, 0, mem.Keys())
}

func TestStore_SubscribeAndUnsubscribe(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	s := New(storage.NewMemory())

	var got []bool
	unsub := s.Subscribe(func(st State) { got = append(got, st.Authenticated) })
	s.Restore(ctx)
	require.NoError(t, s.SetAuth(ctx, tenantUser(), "A1", "R1"))
	s.Logout(ctx)
	s.Logout(ctx) // unchanged state, no notification
	unsub()
	unsub()
	require.NoError(t, s.SetAuth(ctx, tenantUser(), "A1", "R1"))

	require.Equal(t, []bool{false, true, false}, got)
}

// Two stores over one storage behave like two tabs: a logout in one is not seen by
// the other until it restores again.
func TestStore_NoCrossTabSync(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	shared := storage.NewMemory()

	tabA := New(shared)
	tabA.Restore(ctx)
	require.NoError(t, tabA.SetAuth(ctx, tenantUser(), "A1", "R1"))

	tabB := New(shared)
	tabB.Restore(ctx)
	require.True(t, tabB.IsAuthenticated())

	tabA.Logout(ctx)
	require.False(t, tabA.IsAuthenticated())
	require.True(t, tabB.IsAuthenticated(), "tab B still reports the stale in-memory session")

	tabBReloaded := New(shared)
	tabBReloaded.Restore(ctx)
	require.False(t, tabBReloaded.IsAuthenticated())
}

func TestStore_ConcurrentReadsDuringWrites(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	mem := storage.NewMemory()
	s := New(mem)
	s.Restore(ctx)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_ = s.SetAuth(ctx, tenantUser(), "A", "R")
			s.Logout(ctx)
		}()
		go func() {
			defer wg.Done()
			snap := s.Snapshot()
			if snap.Authenticated {
				assert.NotNil(t, snap.User)
				assert.NotEmpty(t, snap.Tokens.AccessToken)
			}
		}()
	}
	wg.Wait()
}
