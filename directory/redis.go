package directory

import (
	"context"
	"errors"
	"log/slog"

	"github.com/go-redis/redis/v8"
)

// DefaultRedisKey is the hash holding the bindings
const DefaultRedisKey = "mmate:directory"

// HashGetter is the part of a redis client the directory needs
type HashGetter interface {
	HGet(ctx context.Context, key, field string) *redis.StringCmd
}

// Redis resolves names with HGET on one hash, so bindings can be changed
// without restarting the process
type Redis struct {
	client HashGetter
	key    string
	logger *slog.Logger
}

// RedisOption configures the Redis directory
type RedisOption func(*Redis)

// WithKey sets the hash key
func WithKey(key string) RedisOption {
	return func(r *Redis) {
		r.key = key
	}
}

// WithLogger sets the logger
func WithLogger(logger *slog.Logger) RedisOption {
	return func(r *Redis) {
		r.logger = logger
	}
}

// NewRedis creates a directory backed by client
func NewRedis(client HashGetter, opts ...RedisOption) *Redis {
	r := &Redis{
		client: client,
		key:    DefaultRedisKey,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// NewRedisClient opens a client for a redis:// URL
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, err
	}
	return redis.NewClient(opts), nil
}

// Lookup returns the binding stored under name
func (r *Redis) Lookup(ctx context.Context, name string) (string, error) {
	binding, err := r.client.HGet(ctx, r.key, name).Result()
	if errors.Is(err, redis.Nil) || (err == nil && binding == "") {
		return "", &LookupError{Name: name, Err: ErrNotFound}
	}
	if err != nil {
		r.logger.Error("directory lookup failed",
			"key", r.key,
			"name", name,
			"error", err,
		)
		return "", &LookupError{Name: name, Err: err}
	}
	return binding, nil
}
