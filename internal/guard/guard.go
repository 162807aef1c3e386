// Package guard deduplicates inbound events and admits them against
// fixed-window rate budgets. Both fail open when the counter store is down.
package guard

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/ulule/limiter/v3"

	"tablechat/internal/kvstore"
	"tablechat/internal/metrics"
)

const (
	processedPrefix = "idem:done:"
	lockPrefix      = "idem:lock:"
	ratePrefix      = "rl:"

	DefaultProcessedTTL = 24 * time.Hour
	DefaultLockTTL      = 2 * time.Minute
)

// Scope names an independent rate-limit budget.
type Scope string

const (
	ScopeTenant   Scope = "tenant"
	ScopeCustomer Scope = "customer"
	ScopeGlobal   Scope = "global"
)

// counterStore is the subset of kvstore.Store the guard needs.
type counterStore interface {
	Exists(ctx context.Context, key string) (bool, error)
	Set(ctx context.Context, key, value string, ttl time.Duration) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Incr(ctx context.Context, key string) (int64, error)
	PExpire(ctx context.Context, key string, ttl time.Duration) error
	Del(ctx context.Context, key string) error
}

// Rates holds the per-scope budgets evaluated by Admit. A zero rate disables
// its scope.
type Rates struct {
	Tenant   limiter.Rate
	Customer limiter.Rate
	Global   limiter.Rate
}

type Config struct {
	ProcessedTTL time.Duration
	LockTTL      time.Duration
	Rates        Rates
}

// Decision is the outcome of one rate-limit check.
type Decision struct {
	Scope     string    `json:"scope"`
	Allowed   bool      `json:"allowed"`
	Remaining int64     `json:"remaining"`
	ResetAt   time.Time `json:"resetAt"`
	FailOpen  bool      `json:"failOpen,omitempty"`
}

type Guard struct {
	store   counterStore
	cfg     Config
	log     *slog.Logger
	metrics metrics.Collector
	now     func() time.Time
}

func New(store counterStore, cfg Config, log *slog.Logger, m metrics.Collector) (*Guard, error) {
	if store == nil {
		return nil, errors.New("guard: store must not be nil")
	}
	if cfg.ProcessedTTL <= 0 {
		cfg.ProcessedTTL = DefaultProcessedTTL
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = DefaultLockTTL
	}
	if log == nil {
		log = slog.Default()
	}
	return &Guard{
		store:   store,
		cfg:     cfg,
		log:     log,
		metrics: metrics.OrNop(m),
		now:     time.Now,
	}, nil
}

// IsProcessed reports whether key was marked processed. A store outage is
// reported as not processed.
func (g *Guard) IsProcessed(ctx context.Context, key string) bool {
	ok, err := g.store.Exists(ctx, processedPrefix+key)
	if err != nil {
		g.failOpen(ctx, "is_processed", err, slog.String("key", key))
		return false
	}
	return ok
}

// MarkProcessed records key as processed for the configured TTL.
func (g *Guard) MarkProcessed(ctx context.Context, key string) error {
	if err := g.store.Set(ctx, processedPrefix+key, "1", g.cfg.ProcessedTTL); err != nil {
		g.failOpen(ctx, "mark_processed", err, slog.String("key", key))
		return fmt.Errorf("guard: MarkProcessed: %w", err)
	}
	return nil
}

// TryAcquireIdempotencyLock returns true to exactly one caller per key while
// the lock lives. When the store is unavailable every caller gets true.
func (g *Guard) TryAcquireIdempotencyLock(ctx context.Context, key string) bool {
	won, err := g.store.SetNX(ctx, lockPrefix+key, "1", g.cfg.LockTTL)
	if err != nil {
		g.failOpen(ctx, "idempotency_lock", err, slog.String("key", key))
		return true
	}
	if !won {
		g.metrics.Duplicate(ctx)
	}
	return won
}

// ReleaseIdempotencyLock drops the processing lock for key so a redelivery of
// an unfinished event is handled again. On a store failure the lock is left to
// expire after LockTTL.
func (g *Guard) ReleaseIdempotencyLock(ctx context.Context, key string) {
	if err := g.store.Del(ctx, lockPrefix+key); err != nil {
		g.failOpen(ctx, "release_lock", err, slog.String("key", key))
	}
}

// CheckRateLimit counts one request against scope in the current fixed window
// of width window.
func (g *Guard) CheckRateLimit(ctx context.Context, scope string, max int64, window time.Duration) Decision {
	now := g.now()
	if max <= 0 || window <= 0 {
		return Decision{Scope: scope, Allowed: true, Remaining: max, ResetAt: now}
	}

	windowMs := window.Milliseconds()
	if windowMs <= 0 {
		windowMs = 1
	}
	bucket := now.UnixMilli() / windowMs
	resetAt := time.UnixMilli((bucket + 1) * windowMs)
	key := fmt.Sprintf("%s%s:%d", ratePrefix, scope, bucket)

	count, err := g.store.Incr(ctx, key)
	if err != nil {
		g.failOpen(ctx, "rate_limit", err, slog.String("scope", scope))
		return Decision{Scope: scope, Allowed: true, Remaining: max, ResetAt: resetAt, FailOpen: true}
	}
	if count == 1 {
		if err := g.store.PExpire(ctx, key, time.Duration(windowMs)*time.Millisecond); err != nil {
			g.log.WarnContext(ctx, "rate limit window expiry not set",
				slog.String("scope", scope), slog.String("err", err.Error()))
		}
	}

	remaining := max - count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Scope:     scope,
		Allowed:   count <= max,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

// Admit evaluates the tenant, customer and global budgets in that order and
// returns the first denial, or the last allowing decision.
func (g *Guard) Admit(ctx context.Context, tenantID, customer string) Decision {
	checks := []struct {
		scope Scope
		key   string
		rate  limiter.Rate
	}{
		{ScopeTenant, string(ScopeTenant) + ":" + tenantID, g.cfg.Rates.Tenant},
		{ScopeCustomer, string(ScopeCustomer) + ":" + tenantID + ":" + customer, g.cfg.Rates.Customer},
		{ScopeGlobal, string(ScopeGlobal), g.cfg.Rates.Global},
	}

	last := Decision{Allowed: true, ResetAt: g.now()}
	for _, c := range checks {
		if c.rate.Limit <= 0 || c.rate.Period <= 0 {
			continue
		}
		d := g.CheckRateLimit(ctx, c.key, c.rate.Limit, c.rate.Period)
		if !d.Allowed {
			g.metrics.RateLimited(ctx, string(c.scope))
			return d
		}
		last = d
	}
	return last
}

func (g *Guard) failOpen(ctx context.Context, op string, err error, attrs ...slog.Attr) {
	g.metrics.FailOpen(ctx, op)
	args := []any{slog.String("op", op), slog.String("err", err.Error())}
	for _, a := range attrs {
		args = append(args, a)
	}
	msg := "counter store failed, allowing request"
	if !errors.Is(err, kvstore.ErrUnavailable) {
		msg = "counter store returned unexpected error, allowing request"
	}
	g.log.WarnContext(ctx, msg, args...)
}

// ParseRate accepts ulule/limiter formatted rates such as "600-M". An empty
// string yields a zero rate.
func ParseRate(s string) (limiter.Rate, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return limiter.Rate{}, nil
	}
	r, err := limiter.NewRateFromFormatted(s)
	if err != nil {
		return limiter.Rate{}, fmt.Errorf("guard: parse rate %q: %w", s, err)
	}
	return r, nil
}
