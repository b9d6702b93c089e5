package ratelimit

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/core"
)

func testLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { rdb.Close() })

	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.RateLimit.Plans["small"] = config.RatePlan{Capacity: 5, RefillRate: 1}

	l := New(rdb, cfg, slog.Default())
	return l, mr
}

func tenant(plan string) *core.Tenant {
	return &core.Tenant{TenantID: "t2", RatePlan: plan}
}

func TestBucketSeededAtFullCapacity(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		d := l.Admit(ctx, tenant("small"), ClassWrite, 1)
		assert.True(t, d.Admitted, "request %d should pass on a cold bucket", i+1)
	}
	d := l.Admit(ctx, tenant("small"), ClassWrite, 1)
	assert.False(t, d.Admitted)
}

func TestBurstThenThrottleWithRetryAfter(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	admitted, throttled := 0, 0
	var lastRetry time.Duration
	for i := 0; i < 10; i++ {
		d := l.Admit(ctx, tenant("small"), ClassWrite, 1)
		if d.Admitted {
			admitted++
		} else {
			throttled++
			lastRetry = d.RetryAfter
		}
	}

	assert.Equal(t, 5, admitted)
	assert.Equal(t, 5, throttled)
	assert.GreaterOrEqual(t, lastRetry, time.Second)
}

func TestProgressivePenaltyDoublesUpToCap(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()

	// Millisecond-aligned base: penalty deadlines are stored as UnixMilli,
	// so a sub-millisecond fraction would skew the exact-doubling asserts.
	base := time.Now().Truncate(time.Millisecond)
	l.now = func() time.Time { return base }

	// Drain the bucket.
	for i := 0; i < 5; i++ {
		require.True(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted)
	}

	// First violation: base penalty (1s). The penalty window is now active,
	// so subsequent requests are rejected at the gate without a bucket read.
	d := l.Admit(ctx, tenant("small"), ClassWrite, 1)
	require.False(t, d.Admitted)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Second)

	d = l.Admit(ctx, tenant("small"), ClassWrite, 1)
	require.False(t, d.Admitted)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Second)

	// Step past each penalty window and violate again: 2s, 4s, 8s, 8s (cap).
	expected := []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 8 * time.Second}
	for _, want := range expected {
		base = base.Add(10 * time.Second)
		// Consume whatever refilled, then one more to violate.
		for l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted {
		}
		until, err := l.penaltyUntil(ctx, "t2", ClassWrite)
		require.NoError(t, err)
		assert.Equal(t, want, until.Sub(base), "penalty should double up to the cap")
	}
}

func TestPenaltyGateRetryAfterNeverDropsBelowBase(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		require.True(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted)
	}
	require.False(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted)

	// 700ms into the 1s penalty window only 300ms remain, but the hint
	// still floors at the base penalty.
	base = base.Add(700 * time.Millisecond)
	d := l.Admit(ctx, tenant("small"), ClassWrite, 1)
	require.False(t, d.Admitted)
	assert.GreaterOrEqual(t, d.RetryAfter, time.Second)
}

func TestPenaltyRejectsWithoutConsumingTokens(t *testing.T) {
	l, mr := testLimiter(t)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		require.True(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted)
	}
	require.False(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted)

	before := mr.HGet(bucketKey("t2", ClassWrite), "tokens")

	// Rejected at the penalty gate: bucket state untouched.
	require.False(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted)

	after := mr.HGet(bucketKey("t2", ClassWrite), "tokens")
	assert.Equal(t, before, after)
}

func TestRefillRestoresTokens(t *testing.T) {
	l, _ := testLimiter(t)
	ctx := context.Background()

	base := time.Now()
	l.now = func() time.Time { return base }

	for i := 0; i < 5; i++ {
		require.True(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted)
	}
	require.False(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted)

	// 3 seconds later, past the 1s penalty: 3 tokens refilled.
	base = base.Add(3 * time.Second)
	for i := 0; i < 3; i++ {
		assert.True(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted, "refilled token %d", i+1)
	}
	assert.False(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted)
}

func TestStoreDownFailsClosedForWrites(t *testing.T) {
	l, mr := testLimiter(t)
	ctx := context.Background()
	mr.Close()

	d := l.Admit(ctx, tenant("small"), ClassWrite, 1)
	assert.False(t, d.Admitted)
	assert.Equal(t, time.Second, d.RetryAfter)
}

func TestStoreDownFailsOpenForReads(t *testing.T) {
	l, mr := testLimiter(t)
	ctx := context.Background()
	mr.Close()

	d := l.Admit(ctx, tenant("small"), ClassRead, 1)
	assert.True(t, d.Admitted, "read-class traffic falls back to the local limiter")
}

func TestNilStoreUsesLocalLimiter(t *testing.T) {
	cfg, err := config.Load("")
	require.NoError(t, err)
	cfg.RateLimit.Plans["small"] = config.RatePlan{Capacity: 2, RefillRate: 1}

	l := New(nil, cfg, nil)
	ctx := context.Background()

	assert.True(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted)
	assert.True(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted)
	assert.False(t, l.Admit(ctx, tenant("small"), ClassWrite, 1).Admitted)
}
