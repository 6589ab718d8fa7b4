// Package service contains the mock API's authentication service.
package service

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	pkgcrypto "github.com/and161185/portal-session/internal/crypto"
	"github.com/and161185/portal-session/internal/errs"
	"github.com/and161185/portal-session/internal/limiter"
	"github.com/and161185/portal-session/internal/model"
	"github.com/and161185/portal-session/internal/repository"
	"github.com/gofrs/uuid/v5"
	"github.com/golang-jwt/jwt/v5"
)

const minPasswordLen = 8

// Claims are carried by access tokens.
type Claims struct {
	Role     model.Role `json:"role"`
	TenantID string     `json:"tid,omitempty"`
	jwt.RegisteredClaims
}

// Session is what login, registration and the auth endpoints hand back.
type Session struct {
	Tokens model.Tokens
	User   model.User
}

// AuthService defines authentication operations of the mock API.
type AuthService interface {
	// Register creates a TENANT_USER account and opens its first session.
	Register(ctx context.Context, name, email, password string) (Session, error)
	// Login applies the lockout limiter and authenticates by email.
	Login(ctx context.Context, email, password, remote string) (Session, error)
	// Refresh issues a new access token for a refresh token. The refresh token is
	// not rotated.
	Refresh(ctx context.Context, refreshToken string) (model.Tokens, error)
	// Verify parses and validates an access token.
	Verify(token string) (*Claims, error)
	// Me loads the identity record of a user.
	Me(ctx context.Context, userID uuid.UUID) (model.User, error)
	// Accounts lists every identity record.
	Accounts(ctx context.Context) ([]model.User, error)
}

// AuthServiceImpl implements AuthService.
type AuthServiceImpl struct {
	users     repository.AccountRepository
	tokens    repository.RefreshTokenRepository
	signKey   []byte
	accessTTL time.Duration
	lim       limiter.Lockout
	now       func() time.Time
}

// NewAuthService constructs AuthService with required dependencies.
func NewAuthService(users repository.AccountRepository, tokens repository.RefreshTokenRepository, signKey []byte, accessTTL time.Duration, lim limiter.Lockout) *AuthServiceImpl {
	return &AuthServiceImpl{users: users, tokens: tokens, signKey: signKey, accessTTL: accessTTL, lim: lim, now: time.Now}
}

// CreateAccount stores a new account with a fresh password salt.
func (s *AuthServiceImpl) CreateAccount(ctx context.Context, name, email, password string, role model.Role, tenantID string) (*model.Account, error) {
	email = strings.TrimSpace(email)
	if _, err := mail.ParseAddress(email); err != nil {
		return nil, fmt.Errorf("%w: email", errs.ErrInvalidInput)
	}
	if len(password) < minPasswordLen {
		return nil, fmt.Errorf("%w: password shorter than %d", errs.ErrInvalidInput, minPasswordLen)
	}
	if !role.Valid() {
		return nil, fmt.Errorf("%w: role %q", errs.ErrInvalidInput, role)
	}
	id, err := uuid.NewV4()
	if err != nil {
		return nil, err
	}
	hash, salt, err := pkgcrypto.NewPasswordHash([]byte(password))
	if err != nil {
		return nil, err
	}
	a := &model.Account{
		ID:        id,
		Email:     strings.ToLower(email),
		Name:      strings.TrimSpace(name),
		Role:      role,
		TenantID:  tenantID,
		Active:    true,
		PwdHash:   hash,
		SaltAuth:  salt,
		CreatedAt: s.now(),
	}
	if err := s.users.Create(ctx, a); err != nil {
		return nil, err
	}
	return a, nil
}

// Register creates a tenant user in its own tenant and logs it in.
func (s *AuthServiceImpl) Register(ctx context.Context, name, email, password string) (Session, error) {
	tenant, err := uuid.NewV4()
	if err != nil {
		return Session{}, err
	}
	a, err := s.CreateAccount(ctx, name, email, password, model.RoleTenantUser, tenant.String())
	if err != nil {
		return Session{}, err
	}
	return s.open(ctx, a)
}

// Login authenticates with lockout by (email, remote).
func (s *AuthServiceImpl) Login(ctx context.Context, email, password, remote string) (Session, error) {
	subject := strings.ToLower(strings.TrimSpace(email))
	source := limiter.Source(remote)

	allowed, _, err := s.lim.Allow(ctx, subject, source)
	if err != nil {
		return Session{}, err
	}
	if !allowed {
		return Session{}, errs.ErrRateLimited
	}

	a, err := s.users.GetByEmail(ctx, subject)
	if err != nil || !pkgcrypto.VerifyPassword([]byte(password), a.SaltAuth, a.PwdHash) {
		if blocked, _, ferr := s.lim.Failure(ctx, subject, source); ferr == nil && blocked {
			return Session{}, errs.ErrRateLimited
		}
		// unknown email and wrong password look the same
		return Session{}, errs.ErrUnauthorized
	}
	if !a.Active {
		return Session{}, errs.ErrForbidden
	}

	_ = s.lim.Success(ctx, subject, source)
	return s.open(ctx, a)
}

func (s *AuthServiceImpl) open(ctx context.Context, a *model.Account) (Session, error) {
	access, exp, err := s.issueAccessToken(a)
	if err != nil {
		return Session{}, err
	}
	refresh, err := pkgcrypto.NewRefreshToken()
	if err != nil {
		return Session{}, err
	}
	if err := s.tokens.Save(ctx, pkgcrypto.HashRefreshToken(refresh), a.ID); err != nil {
		return Session{}, fmt.Errorf("save refresh token: %w", err)
	}
	return Session{
		Tokens: model.Tokens{AccessToken: access, RefreshToken: refresh, ExpiresAt: exp},
		User:   a.User(),
	}, nil
}

// Refresh exchanges a refresh token for a new access token.
func (s *AuthServiceImpl) Refresh(ctx context.Context, refreshToken string) (model.Tokens, error) {
	if refreshToken == "" {
		return model.Tokens{}, errs.ErrUnauthorized
	}
	id, err := s.tokens.Lookup(ctx, pkgcrypto.HashRefreshToken(refreshToken))
	if errors.Is(err, errs.ErrNotFound) {
		return model.Tokens{}, errs.ErrUnauthorized
	}
	if err != nil {
		return model.Tokens{}, err
	}
	a, err := s.users.GetByID(ctx, id)
	if err != nil {
		return model.Tokens{}, errs.ErrUnauthorized
	}
	if !a.Active {
		_ = s.tokens.RevokeUser(ctx, a.ID)
		return model.Tokens{}, errs.ErrUnauthorized
	}
	access, exp, err := s.issueAccessToken(a)
	if err != nil {
		return model.Tokens{}, err
	}
	return model.Tokens{AccessToken: access, ExpiresAt: exp}, nil
}

// Verify parses an HS256 access token. Expired tokens yield errs.ErrAuthExpired,
// anything else unusable errs.ErrAuthInvalid.
func (s *AuthServiceImpl) Verify(token string) (*Claims, error) {
	var c Claims
	_, err := jwt.ParseWithClaims(token, &c, func(*jwt.Token) (any, error) { return s.signKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(s.now),
		jwt.WithExpirationRequired(),
	)
	switch {
	case errors.Is(err, jwt.ErrTokenExpired):
		return nil, errs.ErrAuthExpired
	case err != nil:
		return nil, fmt.Errorf("%w: %v", errs.ErrAuthInvalid, err)
	}
	if _, err := uuid.FromString(c.Subject); err != nil {
		return nil, fmt.Errorf("%w: subject", errs.ErrAuthInvalid)
	}
	return &c, nil
}

// Me loads the identity record of a user.
func (s *AuthServiceImpl) Me(ctx context.Context, userID uuid.UUID) (model.User, error) {
	a, err := s.users.GetByID(ctx, userID)
	if err != nil {
		return model.User{}, err
	}
	return a.User(), nil
}

// Accounts lists every identity record.
func (s *AuthServiceImpl) Accounts(ctx context.Context) ([]model.User, error) {
	all, err := s.users.List(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]model.User, 0, len(all))
	for _, a := range all {
		out = append(out, a.User())
	}
	return out, nil
}

// issueAccessToken creates a signed HS256 JWT for the account.
func (s *AuthServiceImpl) issueAccessToken(a *model.Account) (string, time.Time, error) {
	now := s.now()
	exp := now.Add(s.accessTTL)
	jti, err := uuid.NewV4()
	if err != nil {
		return "", time.Time{}, err
	}
	claims := Claims{
		Role:     a.Role,
		TenantID: a.TenantID,
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti.String(),
			Subject:   a.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(exp),
		},
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := tok.SignedString(s.signKey)
	return signed, exp, err
}
