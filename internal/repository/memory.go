package repository

import (
	"context"
	"sort"
	"strings"
	"sync"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/and161185/portal-session/internal/model"
	"github.com/gofrs/uuid/v5"
)

// MemoryAccounts is an in-process AccountRepository.
type MemoryAccounts struct {
	mu      sync.RWMutex
	byID    map[uuid.UUID]model.Account
	byEmail map[string]uuid.UUID
}

// NewMemoryAccounts returns an empty repository.
func NewMemoryAccounts() *MemoryAccounts {
	return &MemoryAccounts{byID: map[uuid.UUID]model.Account{}, byEmail: map[string]uuid.UUID{}}
}

// Create implements AccountRepository.
func (m *MemoryAccounts) Create(_ context.Context, a *model.Account) error {
	key := strings.ToLower(a.Email)
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byEmail[key]; ok {
		return errs.ErrAlreadyExists
	}
	m.byID[a.ID] = *a
	m.byEmail[key] = a.ID
	return nil
}

// GetByID implements AccountRepository.
func (m *MemoryAccounts) GetByID(_ context.Context, id uuid.UUID) (*model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	a, ok := m.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return &a, nil
}

// GetByEmail implements AccountRepository.
func (m *MemoryAccounts) GetByEmail(_ context.Context, email string) (*model.Account, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.byEmail[strings.ToLower(email)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	a := m.byID[id]
	return &a, nil
}

// List implements AccountRepository.
func (m *MemoryAccounts) List(context.Context) ([]model.Account, error) {
	m.mu.RLock()
	out := make([]model.Account, 0, len(m.byID))
	for _, a := range m.byID {
		out = append(out, a)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

// MemoryTokens is an in-process RefreshTokenRepository.
type MemoryTokens struct {
	mu     sync.RWMutex
	owners map[[32]byte]uuid.UUID
}

// NewMemoryTokens returns an empty repository.
func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{owners: map[[32]byte]uuid.UUID{}}
}

// Save implements RefreshTokenRepository.
func (m *MemoryTokens) Save(_ context.Context, hash [32]byte, userID uuid.UUID) error {
	m.mu.Lock()
	m.owners[hash] = userID
	m.mu.Unlock()
	return nil
}

// Lookup implements RefreshTokenRepository.
func (m *MemoryTokens) Lookup(_ context.Context, hash [32]byte) (uuid.UUID, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	id, ok := m.owners[hash]
	if !ok {
		return uuid.Nil, errs.ErrNotFound
	}
	return id, nil
}

// RevokeUser implements RefreshTokenRepository.
func (m *MemoryTokens) RevokeUser(_ context.Context, userID uuid.UUID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for h, id := range m.owners {
		if id == userID {
			delete(m.owners, h)
		}
	}
	return nil
}
