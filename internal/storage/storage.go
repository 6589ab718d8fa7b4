// Package storage provides origin-scoped durable key/value backends for the session store.
//
// A backend instance is bound to one origin. Several session stores over the same
// backend and origin behave like several browser tabs of one page: they share the
// durable copy but nothing notifies one store about writes made by another.
package storage

import "context"

// Storage is an origin-scoped key/value namespace.
//
// Get returns errs.ErrNotFound for a missing key. Delete of a missing key is not an error.
type Storage interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
}
