package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/and161185/portal-session/internal/model"
	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"
)

// UserRepo implements repository.AccountRepository using PostgreSQL.
type UserRepo struct{ db *DB }

// NewUserRepo constructs an account repository.
func NewUserRepo(db *DB) *UserRepo { return &UserRepo{db: db} }

const accountColumns = `id, email, name, role, tenant_id, is_active, pwd_hash, salt_auth, created_at`

// Create inserts a new account row.
func (r *UserRepo) Create(ctx context.Context, a *model.Account) error {
	const q = `
INSERT INTO users (id, email, name, role, tenant_id, is_active, pwd_hash, salt_auth)
VALUES ($1, lower($2), $3, $4, $5, $6, $7, $8)`
	_, err := r.db.Pool.Exec(ctx, q, a.ID, a.Email, a.Name, string(a.Role), a.TenantID, a.Active, a.PwdHash, a.SaltAuth)
	if isUniqueViolation(err) {
		return errs.ErrAlreadyExists
	}
	return err
}

// GetByID selects an account by ID.
func (r *UserRepo) GetByID(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	const q = `SELECT ` + accountColumns + `
FROM users WHERE id=$1`
	return scanAccount(r.db.Pool.QueryRow(ctx, q, id))
}

// GetByEmail selects an account by email, case-insensitively.
func (r *UserRepo) GetByEmail(ctx context.Context, email string) (*model.Account, error) {
	const q = `SELECT ` + accountColumns + `
FROM users WHERE email=lower($1)`
	return scanAccount(r.db.Pool.QueryRow(ctx, q, email))
}

// List returns all accounts ordered by creation time.
func (r *UserRepo) List(ctx context.Context) ([]model.Account, error) {
	const q = `SELECT ` + accountColumns + `
FROM users ORDER BY created_at`
	rows, err := r.db.Pool.Query(ctx, q)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *a)
	}
	return out, rows.Err()
}

func scanAccount(row pgx.Row) (*model.Account, error) {
	var (
		a    model.Account
		role string
	)
	err := row.Scan(&a.ID, &a.Email, &a.Name, &role, &a.TenantID, &a.Active, &a.PwdHash, &a.SaltAuth, &a.CreatedAt)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return nil, errs.ErrNotFound
	case err != nil:
		return nil, fmt.Errorf("scan account: %w", err)
	}
	a.Role = model.Role(role)
	return &a, nil
}
