// Package limiter throttles mock API callers: failed logins per (email, client) and
// demo calls per (api key, fingerprint).
package limiter

import (
	"context"
	"crypto/sha256"
	"strings"
	"time"
)

// Lockout blocks a login subject after repeated failures from one source.
type Lockout interface {
	// Allow reports whether a login may be attempted and, if not, for how long.
	Allow(ctx context.Context, subject string, source []byte) (bool, time.Duration, error)
	// Success clears the failure count.
	Success(ctx context.Context, subject string, source []byte) error
	// Failure records a failed attempt and reports whether it placed a block.
	Failure(ctx context.Context, subject string, source []byte) (bool, time.Duration, error)
}

// Quota admits a fixed number of calls per bucket and window.
type Quota interface {
	// Take consumes one call from bucket. When the quota is spent it returns false
	// and the time until the window resets.
	Take(ctx context.Context, bucket []byte) (bool, time.Duration, error)
}

// Policy holds the thresholds shared by the implementations.
type Policy struct {
	Window   time.Duration // failure counting window, and quota window
	MaxFails int
	BlockFor time.Duration
	PerQuota int // calls admitted per bucket and window
}

// DefaultPolicy is used by the mock API.
var DefaultPolicy = Policy{
	Window:   15 * time.Minute,
	MaxFails: 5,
	BlockFor: 15 * time.Minute,
	PerQuota: 30,
}

// Source hashes a client address so raw addresses are never stored.
func Source(addr string) []byte {
	h := sha256.Sum256([]byte(addr))
	return h[:]
}

// Bucket derives the demo quota bucket from an API key and fingerprint hash.
func Bucket(apiKey, fingerprint string) []byte {
	h := sha256.Sum256([]byte(strings.Join([]string{apiKey, fingerprint}, "\x00")))
	return h[:]
}
