// Package repository defines storage interfaces for the mock API, with in-memory
// implementations; PostgreSQL ones live in the postgres subpackage.
package repository

import (
	"context"

	"github.com/and161185/portal-session/internal/model"
	"github.com/gofrs/uuid/v5"
)

// AccountRepository provides access to user accounts.
type AccountRepository interface {
	// Create inserts a new account; a taken email yields errs.ErrAlreadyExists.
	Create(ctx context.Context, a *model.Account) error
	// GetByID loads an account by ID.
	GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error)
	// GetByEmail loads an account by email.
	GetByEmail(ctx context.Context, email string) (*model.Account, error)
	// List returns all accounts ordered by creation time.
	List(ctx context.Context) ([]model.Account, error)
}

// RefreshTokenRepository maps hashed refresh tokens to their owners.
type RefreshTokenRepository interface {
	// Save binds a token hash to a user.
	Save(ctx context.Context, hash [32]byte, userID uuid.UUID) error
	// Lookup returns the owner of a token hash, or errs.ErrNotFound.
	Lookup(ctx context.Context, hash [32]byte) (uuid.UUID, error)
	// RevokeUser drops every token of a user.
	RevokeUser(ctx context.Context, userID uuid.UUID) error
}
