package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/and161185/portal-session/internal/crypto/clientcrypto"
)

// Sealed encrypts values at rest with XChaCha20-Poly1305 before handing them to inner.
// The AAD binds every value to its origin and key, so blobs cannot be swapped between keys.
type Sealed struct {
	inner  Storage
	key    []byte
	origin string
}

// NewSealed wraps inner. master is expanded to a per-origin key.
func NewSealed(inner Storage, master []byte, origin string) (*Sealed, error) {
	if len(master) != clientcrypto.KeyLen {
		return nil, fmt.Errorf("seal key: want %d bytes, got %d", clientcrypto.KeyLen, len(master))
	}
	key, err := clientcrypto.DeriveOriginKey(master, origin)
	if err != nil {
		return nil, err
	}
	return &Sealed{inner: inner, key: key, origin: origin}, nil
}

func (s *Sealed) aad(key string) []byte { return []byte(s.origin + "|" + key) }

// Get loads and decrypts key.
func (s *Sealed) Get(ctx context.Context, key string) ([]byte, error) {
	blob, err := s.inner.Get(ctx, key)
	if err != nil {
		return nil, err
	}
	pt, err := clientcrypto.Open(s.key, s.aad(key), blob)
	if err != nil {
		return nil, fmt.Errorf("open %q: %w", key, err)
	}
	return pt, nil
}

// Set encrypts and stores key.
func (s *Sealed) Set(ctx context.Context, key string, value []byte) error {
	blob, err := clientcrypto.Seal(s.key, s.aad(key), value)
	if err != nil {
		return err
	}
	return s.inner.Set(ctx, key, blob)
}

// Delete removes key.
func (s *Sealed) Delete(ctx context.Context, key string) error {
	return s.inner.Delete(ctx, key)
}

// LoadOrCreateKey reads a raw master key from path, creating a random one (0600) if absent.
func LoadOrCreateKey(path string) ([]byte, error) {
	b, err := os.ReadFile(path)
	if err == nil {
		if len(b) != clientcrypto.KeyLen {
			return nil, fmt.Errorf("seal key %s: bad length %d", path, len(b))
		}
		return b, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	key, err := clientcrypto.Rand(clientcrypto.KeyLen)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		return nil, err
	}
	return key, nil
}
