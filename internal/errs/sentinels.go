// Package errs contains sentinel errors used across layers for stable error mapping.
package errs

import "errors"

// Common sentinels across client and server layers.
var (
	// ErrNotFound indicates the requested entity or storage key does not exist.
	ErrNotFound = errors.New("not found")

	// ErrUnauthorized indicates failed authentication/authorization.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden indicates an authenticated caller without the required role.
	ErrForbidden = errors.New("forbidden")

	// ErrAuthExpired is the first unauthorized response on a request; recoverable via refresh.
	ErrAuthExpired = errors.New("auth expired")

	// ErrAuthInvalid is a terminal authentication failure; the session is dropped.
	ErrAuthInvalid = errors.New("auth invalid")

	// ErrStorageUnavailable indicates the durable storage backend failed a read or write.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrRateLimited indicates the caller exceeded its request budget.
	ErrRateLimited = errors.New("rate limited")

	// ErrInvalidInput indicates a request that failed validation.
	ErrInvalidInput = errors.New("invalid input")

	// ErrAlreadyExists indicates a unique constraint violation (e.g., email taken).
	ErrAlreadyExists = errors.New("already exists")
)
