package storage

import (
	"context"
	"errors"

	"github.com/and161185/portal-session/internal/errs"
	"github.com/redis/go-redis/v9"
)

// Redis stores keys of one origin under the prefix "portal:<origin>:".
type Redis struct {
	client redis.Cmdable
	prefix string
}

// NewRedis binds a go-redis client to an origin.
func NewRedis(client redis.Cmdable, origin string) *Redis {
	return &Redis{client: client, prefix: "portal:" + origin + ":"}
}

// Get loads key.
func (r *Redis) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, errs.ErrNotFound
	}
	return b, err
}

// Set stores key without expiry; session lifetime is decided by the server.
func (r *Redis) Set(ctx context.Context, key string, value []byte) error {
	return r.client.Set(ctx, r.prefix+key, value, 0).Err()
}

// Delete removes key.
func (r *Redis) Delete(ctx context.Context, key string) error {
	return r.client.Del(ctx, r.prefix+key).Err()
}
