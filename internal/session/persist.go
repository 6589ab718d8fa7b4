package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/and161185/portal-session/internal/model"
	"github.com/and161185/portal-session/internal/storage"
)

// Storage keys.
const (
	StorageKey = "auth-storage"

	legacyAccessKey  = "accessToken"
	legacyRefreshKey = "refreshToken"
	legacyUserKey    = "user"
)

// Persister mirrors store states into durable storage.
type Persister interface {
	// Load returns the durable copy. A missing copy is errs.ErrNotFound.
	Load(ctx context.Context) (State, error)
	// Persist writes s, or clears the durable copy when s is logged out.
	Persist(ctx context.Context, s State) error
}

// composite is the single durable entry holding the whole session.
type composite struct {
	User            *model.User `json:"user"`
	AccessToken     string      `json:"accessToken"`
	RefreshToken    string      `json:"refreshToken"`
	IsAuthenticated bool        `json:"isAuthenticated"`
	HasHydrated     bool        `json:"hasHydrated"`
}

// StoragePersister keeps the session under one key, written in a single Set.
type StoragePersister struct {
	st storage.Storage
}

// NewStoragePersister binds a persister to a storage backend.
func NewStoragePersister(st storage.Storage) *StoragePersister {
	return &StoragePersister{st: st}
}

// Load reads the composite entry, falling back to the legacy per-field keys.
func (p *StoragePersister) Load(ctx context.Context) (State, error) {
	b, err := p.st.Get(ctx, StorageKey)
	if errors.Is(err, errs.ErrNotFound) {
		return p.loadLegacy(ctx)
	}
	if err != nil {
		return State{}, err
	}
	var c composite
	if err := json.Unmarshal(b, &c); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", StorageKey, err)
	}
	if !c.IsAuthenticated {
		return State{}, nil
	}
	return State{
		User:          c.User,
		Tokens:        model.TokenPair{AccessToken: c.AccessToken, RefreshToken: c.RefreshToken},
		Authenticated: true,
	}, nil
}

func (p *StoragePersister) loadLegacy(ctx context.Context) (State, error) {
	access, err := p.st.Get(ctx, legacyAccessKey)
	if err != nil {
		return State{}, err
	}
	refresh, err := p.st.Get(ctx, legacyRefreshKey)
	if err != nil {
		return State{}, err
	}
	raw, err := p.st.Get(ctx, legacyUserKey)
	if err != nil {
		return State{}, err
	}
	var u model.User
	if err := json.Unmarshal(raw, &u); err != nil {
		return State{}, fmt.Errorf("decode %s: %w", legacyUserKey, err)
	}
	return State{
		User:          &u,
		Tokens:        model.TokenPair{AccessToken: string(access), RefreshToken: string(refresh)},
		Authenticated: true,
	}, nil
}

// Persist writes the composite entry, or removes every session key on logout.
func (p *StoragePersister) Persist(ctx context.Context, s State) error {
	if !s.Authenticated {
		var firstErr error
		for _, k := range []string{StorageKey, legacyAccessKey, legacyRefreshKey, legacyUserKey} {
			if err := p.st.Delete(ctx, k); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}
	b, err := json.Marshal(composite{
		User:            s.User,
		AccessToken:     s.Tokens.AccessToken,
		RefreshToken:    s.Tokens.RefreshToken,
		IsAuthenticated: true,
		HasHydrated:     s.Restored,
	})
	if err != nil {
		return err
	}
	return p.st.Set(ctx, StorageKey, b)
}
