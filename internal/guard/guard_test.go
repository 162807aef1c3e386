package guard

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tablechat/internal/kvstore"
	"tablechat/internal/metrics"
)

type fakeCounters struct {
	mu     sync.Mutex
	data   map[string]int64
	ttls   map[string]time.Duration
	err    error
	hang   bool
	incrs  int
	expiry int
}

func newFakeCounters() *fakeCounters {
	return &fakeCounters{data: map[string]int64{}, ttls: map[string]time.Duration{}}
}

func (f *fakeCounters) fail(ctx context.Context) error {
	if f.hang {
		<-ctx.Done()
		return fmt.Errorf("kvstore: op: %w: %w", kvstore.ErrUnavailable, ctx.Err())
	}
	return f.err
}

func (f *fakeCounters) Exists(ctx context.Context, key string) (bool, error) {
	if err := f.fail(ctx); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.data[key]
	return ok, nil
}

func (f *fakeCounters) Set(ctx context.Context, key, _ string, ttl time.Duration) error {
	if err := f.fail(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = 1
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCounters) SetNX(ctx context.Context, key, _ string, ttl time.Duration) (bool, error) {
	if err := f.fail(ctx); err != nil {
		return false, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.data[key]; ok {
		return false, nil
	}
	f.data[key] = 1
	f.ttls[key] = ttl
	return true, nil
}

func (f *fakeCounters) Incr(ctx context.Context, key string) (int64, error) {
	if err := f.fail(ctx); err != nil {
		return 0, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.incrs++
	f.data[key]++
	return f.data[key], nil
}

func (f *fakeCounters) PExpire(ctx context.Context, key string, ttl time.Duration) error {
	if err := f.fail(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.expiry++
	f.ttls[key] = ttl
	return nil
}

func (f *fakeCounters) Del(ctx context.Context, key string) error {
	if err := f.fail(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	delete(f.ttls, key)
	return nil
}

type countingMetrics struct {
	metrics.Nop
	mu       sync.Mutex
	failOpen map[string]int
	limited  map[string]int
	dupes    int
}

func newCountingMetrics() *countingMetrics {
	return &countingMetrics{failOpen: map[string]int{}, limited: map[string]int{}}
}

func (m *countingMetrics) FailOpen(_ context.Context, op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failOpen[op]++
}

func (m *countingMetrics) RateLimited(_ context.Context, scope string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.limited[scope]++
}

func (m *countingMetrics) Duplicate(context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.dupes++
}

func newGuard(t *testing.T, store counterStore, cfg Config, m metrics.Collector) *Guard {
	t.Helper()
	g, err := New(store, cfg, nil, m)
	require.NoError(t, err)
	return g
}

func TestNew_Validation(t *testing.T) {
	_, err := New(nil, Config{}, nil, nil)
	require.Error(t, err)

	g, err := New(newFakeCounters(), Config{}, nil, nil)
	require.NoError(t, err)
	require.Equal(t, DefaultProcessedTTL, g.cfg.ProcessedTTL)
	require.Equal(t, DefaultLockTTL, g.cfg.LockTTL)
}

func TestProcessedMarkers(t *testing.T) {
	store := newFakeCounters()
	g := newGuard(t, store, Config{ProcessedTTL: time.Hour}, nil)
	ctx := context.Background()

	require.False(t, g.IsProcessed(ctx, "wamid.1"))
	require.NoError(t, g.MarkProcessed(ctx, "wamid.1"))
	require.True(t, g.IsProcessed(ctx, "wamid.1"))
	require.Equal(t, time.Hour, store.ttls["idem:done:wamid.1"])
}

func TestProcessedMarkers_StoreDown(t *testing.T) {
	store := newFakeCounters()
	store.err = fmt.Errorf("wrapped: %w", kvstore.ErrUnavailable)
	m := newCountingMetrics()
	g := newGuard(t, store, Config{}, m)

	require.False(t, g.IsProcessed(context.Background(), "k"))
	err := g.MarkProcessed(context.Background(), "k")
	require.ErrorIs(t, err, kvstore.ErrUnavailable)
	require.Equal(t, 1, m.failOpen["is_processed"])
	require.Equal(t, 1, m.failOpen["mark_processed"])
}

func TestTryAcquireIdempotencyLock_SingleWinner(t *testing.T) {
	m := newCountingMetrics()
	g := newGuard(t, newFakeCounters(), Config{}, m)

	const callers = 32
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if g.TryAcquireIdempotencyLock(context.Background(), "wamid.race") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(1), wins.Load())
	require.Equal(t, callers-1, m.dupes)
}

func TestTryAcquireIdempotencyLock_TimeoutFailsOpen(t *testing.T) {
	store := newFakeCounters()
	store.hang = true
	m := newCountingMetrics()
	g := newGuard(t, store, Config{}, m)

	const callers = 8
	var (
		wg   sync.WaitGroup
		wins atomic.Int32
	)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
			defer cancel()
			if g.TryAcquireIdempotencyLock(ctx, "wamid.outage") {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()

	require.Equal(t, int32(callers), wins.Load())
	require.Equal(t, callers, m.failOpen["idempotency_lock"])
}

func TestReleaseIdempotencyLock_AllowsRedelivery(t *testing.T) {
	store := newFakeCounters()
	g := newGuard(t, store, Config{}, nil)
	ctx := context.Background()

	require.True(t, g.TryAcquireIdempotencyLock(ctx, "wa:wamid.9"))
	require.False(t, g.TryAcquireIdempotencyLock(ctx, "wa:wamid.9"))

	g.ReleaseIdempotencyLock(ctx, "wa:wamid.9")
	require.True(t, g.TryAcquireIdempotencyLock(ctx, "wa:wamid.9"))
}

func TestReleaseIdempotencyLock_StoreDown(t *testing.T) {
	store := newFakeCounters()
	m := newCountingMetrics()
	g := newGuard(t, store, Config{}, m)
	ctx := context.Background()

	require.True(t, g.TryAcquireIdempotencyLock(ctx, "k"))
	store.err = fmt.Errorf("wrapped: %w", kvstore.ErrUnavailable)
	g.ReleaseIdempotencyLock(ctx, "k")
	require.Equal(t, 1, m.failOpen["release_lock"])

	store.err = nil
	require.False(t, g.TryAcquireIdempotencyLock(ctx, "k"))
}

func TestCheckRateLimit_FixedWindow(t *testing.T) {
	store := newFakeCounters()
	g := newGuard(t, store, Config{}, nil)
	base := time.UnixMilli(1_700_000_000_000)
	g.now = func() time.Time { return base }
	ctx := context.Background()

	d := g.CheckRateLimit(ctx, "tenant:t1", 2, time.Minute)
	require.True(t, d.Allowed)
	require.Equal(t, int64(1), d.Remaining)
	bucket := base.UnixMilli() / time.Minute.Milliseconds()
	require.Equal(t, time.UnixMilli((bucket+1)*time.Minute.Milliseconds()), d.ResetAt)
	require.Equal(t, time.Minute, store.ttls[fmt.Sprintf("rl:tenant:t1:%d", bucket)])

	d = g.CheckRateLimit(ctx, "tenant:t1", 2, time.Minute)
	require.True(t, d.Allowed)
	require.Equal(t, int64(0), d.Remaining)

	d = g.CheckRateLimit(ctx, "tenant:t1", 2, time.Minute)
	require.False(t, d.Allowed)
	require.Equal(t, int64(0), d.Remaining)
	require.Equal(t, 1, store.expiry, "expiry is only set on the first hit of a window")

	g.now = func() time.Time { return base.Add(time.Minute) }
	d = g.CheckRateLimit(ctx, "tenant:t1", 2, time.Minute)
	require.True(t, d.Allowed, "next window starts a fresh counter")
}

func TestCheckRateLimit_StoreDownAllowsFullBudget(t *testing.T) {
	store := newFakeCounters()
	store.err = errors.New("connection refused")
	m := newCountingMetrics()
	g := newGuard(t, store, Config{}, m)

	d := g.CheckRateLimit(context.Background(), "global", 100, time.Second)
	require.True(t, d.Allowed)
	require.True(t, d.FailOpen)
	require.Equal(t, int64(100), d.Remaining)
	require.Equal(t, 1, m.failOpen["rate_limit"])
}

func TestAdmit_FirstBreachDenies(t *testing.T) {
	tenant, err := ParseRate("5-M")
	require.NoError(t, err)
	customer, err := ParseRate("1-M")
	require.NoError(t, err)
	global, err := ParseRate("100-M")
	require.NoError(t, err)

	store := newFakeCounters()
	m := newCountingMetrics()
	g := newGuard(t, store, Config{Rates: Rates{Tenant: tenant, Customer: customer, Global: global}}, m)
	ctx := context.Background()

	require.True(t, g.Admit(ctx, "t1", "5511999990000").Allowed)
	d := g.Admit(ctx, "t1", "5511999990000")
	require.False(t, d.Allowed)
	require.Contains(t, d.Scope, "customer:t1:5511999990000")
	require.Equal(t, 1, m.limited["customer"])

	require.True(t, g.Admit(ctx, "t1", "5511888880000").Allowed, "customers have independent budgets")
	require.Equal(t, 8, store.incrs, "global is not evaluated after a denial")
}

func TestAdmit_ZeroRatesSkipScopes(t *testing.T) {
	store := newFakeCounters()
	g := newGuard(t, store, Config{}, nil)
	require.True(t, g.Admit(context.Background(), "t1", "c1").Allowed)
	require.Zero(t, store.incrs)
}

func TestParseRate(t *testing.T) {
	r, err := ParseRate("600-M")
	require.NoError(t, err)
	require.Equal(t, int64(600), r.Limit)
	require.Equal(t, time.Minute, r.Period)

	r, err = ParseRate("")
	require.NoError(t, err)
	require.Zero(t, r.Limit)

	_, err = ParseRate("lots")
	require.Error(t, err)
}
