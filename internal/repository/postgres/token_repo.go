package postgres

import (
	"context"
	"errors"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// TokenRepo implements repository.RefreshTokenRepository using PostgreSQL.
type TokenRepo struct{ db *DB }

// NewTokenRepo constructs a refresh token repository.
func NewTokenRepo(db *DB) *TokenRepo { return &TokenRepo{db: db} }

// Save binds a token hash to a user.
func (r *TokenRepo) Save(ctx context.Context, hash [32]byte, userID uuid.UUID) error {
	const q = `
INSERT INTO refresh_tokens (token_hash, user_id)
VALUES ($1, $2)
ON CONFLICT (token_hash) DO NOTHING`
	_, err := r.db.Pool.Exec(ctx, q, hash[:], userID)
	return err
}

// Lookup returns the owner of a token hash.
func (r *TokenRepo) Lookup(ctx context.Context, hash [32]byte) (uuid.UUID, error) {
	const q = `SELECT user_id FROM refresh_tokens WHERE token_hash=$1`
	var id uuid.UUID
	if err := r.db.Pool.QueryRow(ctx, q, hash[:]).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return uuid.Nil, errs.ErrNotFound
		}
		return uuid.Nil, err
	}
	return id, nil
}

// RevokeUser deletes every token of a user.
func (r *TokenRepo) RevokeUser(ctx context.Context, userID uuid.UUID) error {
	const q = `DELETE FROM refresh_tokens WHERE user_id=$1`
	_, err := r.db.Pool.Exec(ctx, q, userID)
	return err
}
