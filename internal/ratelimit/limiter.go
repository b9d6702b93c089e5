// Package ratelimit enforces per-(tenant, endpoint-class) token buckets
// backed by the shared counter store. Tokens are stored, not wall-clock
// windows, so clock skew between gateway nodes is tolerated.
package ratelimit

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/ocx/gateway/internal/config"
	"github.com/ocx/gateway/internal/core"
)

// Class partitions endpoints for rate limiting and for the fail-open /
// fail-closed decision when the counter store is unreachable.
type Class string

const (
	ClassRead  Class = "read"  // non-destructive: fails open on store error
	ClassWrite Class = "write" // message submission: fails closed
)

// Decision is the outcome of an admission check.
type Decision struct {
	Admitted   bool
	RetryAfter time.Duration
}

// admitScript performs refill + decrement-if-positive atomically in the
// store. A bucket absent from the store is seeded at full capacity (cold
// start). Returns {1, remaining} on admit, {0, wait_ms} on reject.
var admitScript = redis.NewScript(`
local key      = KEYS[1]
local capacity = tonumber(ARGV[1])
local refill   = tonumber(ARGV[2])
local now_ms   = tonumber(ARGV[3])
local cost     = tonumber(ARGV[4])

local data = redis.call('HMGET', key, 'tokens', 'ts')
local tokens = tonumber(data[1])
local ts = tonumber(data[2])

if tokens == nil then
  tokens = capacity
  ts = now_ms
end

local elapsed = math.max(0, now_ms - ts) / 1000.0
tokens = math.min(capacity, tokens + elapsed * refill)

if tokens >= cost then
  tokens = tokens - cost
  redis.call('HMSET', key, 'tokens', tokens, 'ts', now_ms)
  redis.call('PEXPIRE', key, math.ceil(capacity / refill * 2000))
  return {1, tostring(tokens)}
end

local wait_ms = math.ceil((cost - tokens) / refill * 1000)
redis.call('HMSET', key, 'tokens', tokens, 'ts', now_ms)
redis.call('PEXPIRE', key, math.ceil(capacity / refill * 2000))
return {0, tostring(wait_ms)}
`)

// Limiter admits or throttles requests against the counter store, with a
// progressive penalty for repeat offenders and a local fallback limiter for
// read-class traffic while the store is down.
type Limiter struct {
	rdb *redis.Client // nil in dev mode: local limiters only
	cfg *config.Config
	log *slog.Logger
	now func() time.Time

	mu    sync.Mutex
	local map[string]*rate.Limiter
}

// New creates a limiter. rdb may be nil, in which case all classes are
// served by in-process limiters (single-node dev mode).
func New(rdb *redis.Client, cfg *config.Config, log *slog.Logger) *Limiter {
	if log == nil {
		log = slog.Default()
	}
	return &Limiter{
		rdb:   rdb,
		cfg:   cfg,
		log:   log,
		now:   time.Now,
		local: make(map[string]*rate.Limiter),
	}
}

func bucketKey(tenantID string, class Class) string {
	return fmt.Sprintf("gw:rl:bucket:%s:%s", tenantID, class)
}

func penaltyKey(tenantID string, class Class) string {
	return fmt.Sprintf("gw:rl:penalty:%s:%s", tenantID, class)
}

// Admit checks the (tenant, class) bucket. Throttled results include a
// retry_after hint. Requests arriving before an active penalty window are
// rejected without touching the bucket.
func (l *Limiter) Admit(ctx context.Context, tenant *core.Tenant, class Class, cost float64) Decision {
	if cost <= 0 {
		cost = 1
	}
	plan := l.cfg.Plan(tenant.RatePlan)

	if l.rdb == nil {
		return l.admitLocal(tenant.TenantID, class, plan, cost)
	}

	now := l.now()

	// Penalty gate first: an active penalty rejects without a bucket read.
	// The hint never drops below the base penalty, even late in the window.
	if until, err := l.penaltyUntil(ctx, tenant.TenantID, class); err == nil && now.Before(until) {
		retry := until.Sub(now)
		if retry < l.cfg.RateLimit.PenaltyBase {
			retry = l.cfg.RateLimit.PenaltyBase
		}
		return Decision{Admitted: false, RetryAfter: retry}
	}

	res, err := admitScript.Run(ctx, l.rdb,
		[]string{bucketKey(tenant.TenantID, class)},
		plan.Capacity, plan.RefillRate, now.UnixMilli(), cost,
	).Slice()
	if err != nil {
		return l.storeFailure(tenant.TenantID, class, plan, cost, err)
	}

	admitted, _ := res[0].(int64)
	if admitted == 1 {
		return Decision{Admitted: true}
	}

	waitMs := parseInt(res[1])
	retryAfter := time.Duration(waitMs) * time.Millisecond
	if penalty := l.escalatePenalty(ctx, tenant.TenantID, class); penalty > retryAfter {
		retryAfter = penalty
	}
	if retryAfter < time.Second {
		retryAfter = time.Second
	}
	return Decision{Admitted: false, RetryAfter: retryAfter}
}

// penaltyUntil reads the active penalty deadline, zero time when none.
func (l *Limiter) penaltyUntil(ctx context.Context, tenantID string, class Class) (time.Time, error) {
	ms, err := l.rdb.HGet(ctx, penaltyKey(tenantID, class), "until").Int64()
	if err == redis.Nil {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}

// escalatePenalty doubles the penalty offset per throttle within the
// sliding window, from penalty_base up to penalty_cap, and records the new
// penalty_until. Returns the penalty applied to this rejection.
func (l *Limiter) escalatePenalty(ctx context.Context, tenantID string, class Class) time.Duration {
	key := penaltyKey(tenantID, class)
	base := l.cfg.RateLimit.PenaltyBase
	cap := l.cfg.RateLimit.PenaltyCap

	prevMs, err := l.rdb.HGet(ctx, key, "penalty").Int64()
	penalty := base
	if err == nil && prevMs > 0 {
		penalty = 2 * time.Duration(prevMs) * time.Millisecond
	}
	if penalty > cap {
		penalty = cap
	}

	until := l.now().Add(penalty)
	pipe := l.rdb.Pipeline()
	pipe.HSet(ctx, key, "penalty", penalty.Milliseconds(), "until", until.UnixMilli())
	pipe.PExpire(ctx, key, cap)
	if _, err := pipe.Exec(ctx); err != nil {
		l.log.Warn("penalty update failed", "tenant", tenantID, "error", err)
	}
	return penalty
}

// storeFailure applies the fail-open/fail-closed policy: reads fall back to
// a local limiter, writes are rejected outright.
func (l *Limiter) storeFailure(tenantID string, class Class, plan config.RatePlan, cost float64, err error) Decision {
	l.log.Warn("counter store unreachable", "class", class, "error", err)
	if class == ClassWrite {
		return Decision{Admitted: false, RetryAfter: time.Second}
	}
	return l.admitLocal(tenantID, class, plan, cost)
}

// admitLocal serves admission from an in-process token bucket. Used in dev
// mode and as the read-class fallback when the store is down.
func (l *Limiter) admitLocal(tenantID string, class Class, plan config.RatePlan, cost float64) Decision {
	key := tenantID + ":" + string(class)

	l.mu.Lock()
	lim, ok := l.local[key]
	if !ok {
		lim = rate.NewLimiter(rate.Limit(plan.RefillRate), int(math.Ceil(plan.Capacity)))
		l.local[key] = lim
	}
	l.mu.Unlock()

	if lim.AllowN(l.now(), int(math.Ceil(cost))) {
		return Decision{Admitted: true}
	}
	return Decision{Admitted: false, RetryAfter: time.Second}
}

func parseInt(v interface{}) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case string:
		var out int64
		fmt.Sscanf(n, "%d", &out)
		return out
	default:
		return 0
	}
}
