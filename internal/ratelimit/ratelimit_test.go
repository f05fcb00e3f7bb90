package ratelimit

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 10, 5, 12, 0, 0, 0, time.UTC)}
}

func TestLimiterAllowsUpToLimitThenResets(t *testing.T) {
	clock := newClock()
	limiter := NewLimiter(NewMemoryStore(), WithClock(clock.Now))
	ctx := context.Background()

	const limit = 3
	for i := 1; i <= limit; i++ {
		d, err := limiter.Check(ctx, "1.2.3.4", ActionRedeemCode, limit, time.Minute)
		if err != nil {
			t.Fatalf("check %d: %v", i, err)
		}
		if !d.Allowed {
			t.Fatalf("expected attempt %d to be allowed", i)
		}
	}

	clock.Advance(20 * time.Second)
	d, err := limiter.Check(ctx, "1.2.3.4", ActionRedeemCode, limit, time.Minute)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed {
		t.Fatal("expected attempt beyond limit to be rejected")
	}
	if !errors.Is(d.Err(), ErrLimited) {
		t.Fatalf("expected ErrLimited got %v", d.Err())
	}
	if d.RetryAfter != 40*time.Second || d.RetryAfterSeconds() != 40 {
		t.Fatalf("expected 40s retry after got %v", d.RetryAfter)
	}

	clock.Advance(40 * time.Second)
	d, err = limiter.Check(ctx, "1.2.3.4", ActionRedeemCode, limit, time.Minute)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !d.Allowed || d.Count != 1 {
		t.Fatalf("expected fresh window after expiry got %+v", d)
	}
}

func TestLimiterKeysAreIndependent(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), WithClock(newClock().Now))
	ctx := context.Background()

	if d, _ := limiter.Check(ctx, "1.2.3.4", ActionRedeemCode, 1, time.Minute); !d.Allowed {
		t.Fatal("expected first attempt allowed")
	}
	if d, _ := limiter.Check(ctx, "1.2.3.4", ActionRedeemCode, 1, time.Minute); d.Allowed {
		t.Fatal("expected second attempt limited")
	}
	if d, _ := limiter.Check(ctx, "1.2.3.4", ActionValidatePlayback, 1, time.Minute); !d.Allowed {
		t.Fatal("expected other action to have its own window")
	}
	if d, _ := limiter.Check(ctx, "5.6.7.8", ActionRedeemCode, 1, time.Minute); !d.Allowed {
		t.Fatal("expected other identity to have its own window")
	}
}

func TestLimiterConcurrentChecksNeverExceedLimit(t *testing.T) {
	limiter := NewLimiter(NewMemoryStore(), WithClock(newClock().Now))
	ctx := context.Background()

	const (
		limit   = 10
		callers = 100
	)

	var allowed atomic.Int32
	var wg sync.WaitGroup
	wg.Add(callers)
	for i := 0; i < callers; i++ {
		go func() {
			defer wg.Done()
			d, err := limiter.Check(ctx, "9.9.9.9", ActionValidateCode, limit, time.Minute)
			if err != nil {
				t.Errorf("check: %v", err)
				return
			}
			if d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := allowed.Load(); got != limit {
		t.Fatalf("expected exactly %d allowed got %d", limit, got)
	}
}

func TestLimiterPolicies(t *testing.T) {
	store := NewMemoryStore()
	clock := newClock()
	limiter := NewLimiter(store,
		WithClock(clock.Now),
		WithPolicy(ActionRedeemCode, Policy{Limit: 1, Window: 5 * time.Minute}),
	)
	ctx := context.Background()

	if d, _ := limiter.Allow(ctx, "ip", ActionRedeemCode); !d.Allowed {
		t.Fatal("expected allowed")
	}
	if d, _ := limiter.Allow(ctx, "ip", ActionRedeemCode); d.Allowed {
		t.Fatal("expected limited")
	}
	if d, _ := limiter.Allow(ctx, "ip", "unregistered"); !d.Allowed {
		t.Fatal("expected actions without a policy to pass")
	}

	clock.Advance(6 * time.Minute)
	removed, err := limiter.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 1 || store.Len() != 0 {
		t.Fatalf("expected stale window swept, removed=%d len=%d", removed, store.Len())
	}
}

func TestLimiterSweepKeepsLiveWindows(t *testing.T) {
	store := NewMemoryStore()
	clock := newClock()
	limiter := NewLimiter(store,
		WithClock(clock.Now),
		WithPolicy(ActionRedeemCode, Policy{Limit: 5, Window: 5 * time.Minute}),
	)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if d, _ := limiter.Check(ctx, "ip", "login", 2, time.Hour); !d.Allowed {
			t.Fatalf("expected attempt %d allowed", i+1)
		}
	}
	clock.Advance(10 * time.Minute)
	if d, _ := limiter.Check(ctx, "ip", "login", 2, time.Hour); d.Allowed {
		t.Fatal("expected third attempt limited")
	}

	removed, err := limiter.Sweep(ctx)
	if err != nil {
		t.Fatalf("sweep: %v", err)
	}
	if removed != 0 {
		t.Fatalf("expected live hour window kept, removed=%d", removed)
	}
	if d, _ := limiter.Check(ctx, "ip", "login", 2, time.Hour); d.Allowed {
		t.Fatal("expected window to stay limited after sweep")
	}

	clock.Advance(time.Hour)
	if removed, _ := limiter.Sweep(ctx); removed != 1 || store.Len() != 0 {
		t.Fatalf("expected elapsed window swept, removed=%d len=%d", removed, store.Len())
	}
}

func TestKeyStringIsUnambiguous(t *testing.T) {
	a := Key{Action: "a:b", Identity: "c"}
	b := Key{Action: "a", Identity: "b:c"}
	if a.String() == b.String() {
		t.Fatalf("keys collide: %s", a.String())
	}
}

func TestLimiterDisabledAndInvalidPolicy(t *testing.T) {
	store := NewMemoryStore()
	limiter := NewLimiter(store, Disabled(), WithPolicy(ActionRedeemCode, Policy{Limit: 1, Window: time.Minute}))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d, err := limiter.Allow(ctx, "ip", ActionRedeemCode)
		if err != nil || !d.Allowed {
			t.Fatalf("expected disabled limiter to allow: %+v %v", d, err)
		}
	}
	if store.Len() != 0 {
		t.Fatal("disabled limiter must not record policy windows")
	}

	if d, _ := limiter.Check(ctx, "ip", "login", 1, time.Minute); !d.Allowed {
		t.Fatal("expected first explicit check allowed")
	}
	if d, _ := limiter.Check(ctx, "ip", "login", 1, time.Minute); d.Allowed {
		t.Fatal("expected explicit checks to apply their own limit on a disabled limiter")
	}

	if _, err := limiter.Check(context.Background(), "ip", ActionRedeemCode, 0, time.Minute); !errors.Is(err, ErrInvalidPolicy) {
		t.Fatalf("expected ErrInvalidPolicy got %v", err)
	}
}

func TestRedisStore(t *testing.T) {
	url := os.Getenv("ACCESSGATE_TEST_REDIS_URL")
	if url == "" {
		t.Skip("ACCESSGATE_TEST_REDIS_URL not set")
	}

	ctx := context.Background()
	client, err := ConnectRedis(ctx, url)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer client.Close()

	clock := newClock()
	limiter := NewLimiter(NewRedisStore(client), WithClock(clock.Now))
	identity := uuid.NewString()

	for i := 1; i <= 2; i++ {
		if d, err := limiter.Check(ctx, identity, ActionRedeemCode, 2, time.Minute); err != nil || !d.Allowed {
			t.Fatalf("attempt %d: %+v %v", i, d, err)
		}
	}
	d, err := limiter.Check(ctx, identity, ActionRedeemCode, 2, time.Minute)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if d.Allowed || d.RetryAfter != time.Minute {
		t.Fatalf("expected limited with 1m retry got %+v", d)
	}

	clock.Advance(time.Minute)
	if d, err := limiter.Check(ctx, identity, ActionRedeemCode, 2, time.Minute); err != nil || !d.Allowed {
		t.Fatalf("expected reset window: %+v %v", d, err)
	}
}
