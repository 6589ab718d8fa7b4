package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/jackc/pgx/v5"
)

// KVRepo is an origin-scoped key/value store in table kv_storage. It implements
// storage.Storage so a session can be shared by clients on several machines.
type KVRepo struct {
	db     *DB
	origin string
}

// NewKVRepo constructs a KV repository for origin.
func NewKVRepo(db *DB, origin string) *KVRepo { return &KVRepo{db: db, origin: origin} }

// Get returns the value under key or errs.ErrNotFound.
func (r *KVRepo) Get(ctx context.Context, key string) ([]byte, error) {
	const q = `SELECT value FROM kv_storage WHERE origin=$1 AND key=$2`
	var v []byte
	if err := r.db.Pool.QueryRow(ctx, q, r.origin, key).Scan(&v); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, errs.ErrNotFound
		}
		return nil, fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
	}
	return v, nil
}

// Set upserts key.
func (r *KVRepo) Set(ctx context.Context, key string, value []byte) error {
	const q = `
INSERT INTO kv_storage (origin, key, value, updated_at)
VALUES ($1, $2, $3, now())
ON CONFLICT (origin, key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`
	if _, err := r.db.Pool.Exec(ctx, q, r.origin, key, value); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
	}
	return nil
}

// Delete removes key; a missing key is not an error.
func (r *KVRepo) Delete(ctx context.Context, key string) error {
	const q = `DELETE FROM kv_storage WHERE origin=$1 AND key=$2`
	if _, err := r.db.Pool.Exec(ctx, q, r.origin, key); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrStorageUnavailable, err)
	}
	return nil
}
