// Package kvstore wraps the shared Redis counter/lock store used for inbound
// deduplication and rate limiting. Every call runs under a hard timeout and
// reports outages as ErrUnavailable so callers can apply their own fail-open
// policy.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const DefaultTimeout = 300 * time.Millisecond

// ErrUnavailable is returned when the store errors or does not answer within
// the configured timeout.
var ErrUnavailable = errors.New("kvstore: store unavailable")

// redisAPI is the subset of redis.Cmdable used by Store.
// *redis.Client satisfies this interface.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Exists(ctx context.Context, keys ...string) *redis.IntCmd
	Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.BoolCmd
	Incr(ctx context.Context, key string) *redis.IntCmd
	PExpire(ctx context.Context, key string, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// Store is a timeout-bounded view over Redis.
type Store struct {
	api     redisAPI
	timeout time.Duration
}

// New creates a Store. A non-positive timeout selects DefaultTimeout.
func New(api redisAPI, timeout time.Duration) (*Store, error) {
	if api == nil {
		return nil, errors.New("kvstore: api must not be nil")
	}
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Store{api: api, timeout: timeout}, nil
}

// Dial parses a redis:// URL and returns the client and a Store over it.
func Dial(url string, timeout time.Duration) (*redis.Client, *Store, error) {
	url = strings.TrimSpace(url)
	if url == "" {
		return nil, nil, errors.New("kvstore: redis url is required")
	}
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, nil, fmt.Errorf("kvstore: parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	store, err := New(client, timeout)
	if err != nil {
		_ = client.Close()
		return nil, nil, err
	}
	return client, store, nil
}

// Get returns the value stored at key. The boolean is false when the key is
// absent.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	type getResult struct {
		val   string
		found bool
	}
	r, err := bounded(ctx, s.timeout, "get", func(ctx context.Context) (getResult, error) {
		val, err := s.api.Get(ctx, key).Result()
		if errors.Is(err, redis.Nil) {
			return getResult{}, nil
		}
		if err != nil {
			return getResult{}, err
		}
		return getResult{val: val, found: true}, nil
	})
	return r.val, r.found, err
}

// Exists reports whether key is present.
func (s *Store) Exists(ctx context.Context, key string) (bool, error) {
	return bounded(ctx, s.timeout, "exists", func(ctx context.Context) (bool, error) {
		n, err := s.api.Exists(ctx, key).Result()
		return n > 0, err
	})
}

// Set stores value at key with a TTL, overwriting any existing value.
func (s *Store) Set(ctx context.Context, key, value string, ttl time.Duration) error {
	_, err := bounded(ctx, s.timeout, "set", func(ctx context.Context) (struct{}, error) {
		return struct{}{}, s.api.Set(ctx, key, value, ttl).Err()
	})
	return err
}

// SetNX stores value at key with a TTL only if key is absent. It reports
// whether this call created the key.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	return bounded(ctx, s.timeout, "setnx", func(ctx context.Context) (bool, error) {
		return s.api.SetNX(ctx, key, value, ttl).Result()
	})
}

// Incr atomically increments the counter at key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	return bounded(ctx, s.timeout, "incr", func(ctx context.Context) (int64, error) {
		return s.api.Incr(ctx, key).Result()
	})
}

// PExpire sets a millisecond-precision TTL on key.
func (s *Store) PExpire(ctx context.Context, key string, ttl time.Duration) error {
	_, err := bounded(ctx, s.timeout, "pexpire", func(ctx context.Context) (bool, error) {
		return s.api.PExpire(ctx, key, ttl).Result()
	})
	return err
}

// Del removes key. Removing an absent key is not an error.
func (s *Store) Del(ctx context.Context, key string) error {
	_, err := bounded(ctx, s.timeout, "del", func(ctx context.Context) (int64, error) {
		return s.api.Del(ctx, key).Result()
	})
	return err
}

// bounded runs fn with a deadline and stops waiting once it passes, even if
// fn ignores its context.
func bounded[T any](ctx context.Context, timeout time.Duration, op string, fn func(context.Context) (T, error)) (T, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type result struct {
		val T
		err error
	}
	done := make(chan result, 1)
	go func() {
		v, err := fn(ctx)
		done <- result{val: v, err: err}
	}()

	var zero T
	select {
	case r := <-done:
		if r.err != nil {
			return zero, fmt.Errorf("kvstore: %s: %w: %w", op, ErrUnavailable, r.err)
		}
		return r.val, nil
	case <-ctx.Done():
		return zero, fmt.Errorf("kvstore: %s: %w: %w", op, ErrUnavailable, ctx.Err())
	}
}
