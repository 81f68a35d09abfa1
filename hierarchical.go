package goratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/krishna-kudari/ratelimit/internal/clock"
)

// HierarchicalTokenBucket chains three token buckets — global, tenant,
// and user — each refilled independently. A request is admitted only
// if all three levels currently hold enough tokens, checked top-down
// and debited atomically on success (spec §4.H).
type HierarchicalTokenBucket struct {
	mu sync.Mutex

	globalLimit int64
	tenantLimit int64
	userLimit   int64
	refillRate  float64
	refillSec   float64

	global  hierBucket
	tenants map[string]hierBucket
	users   map[string]hierBucket

	clock clock.Clock
}

type hierBucket struct {
	tokens     float64
	lastRefill time.Time
}

// NewHierarchicalTokenBucket builds a three-level hierarchical token
// bucket. refillRate tokens are added to every level every refillPeriod.
func NewHierarchicalTokenBucket(globalLimit, tenantLimit, userLimit int64, refillRate float64, refillPeriod time.Duration, opts ...Option) (*HierarchicalTokenBucket, error) {
	if globalLimit <= 0 || tenantLimit <= 0 || userLimit <= 0 {
		return nil, invalidArgument("all limits must be positive")
	}
	if refillRate <= 0 || refillPeriod <= 0 {
		return nil, invalidArgument("refill rate and period must be positive")
	}
	o := applyOptions(opts)
	c := o.clockOrDefault()
	now := c.Now()
	return &HierarchicalTokenBucket{
		globalLimit: globalLimit,
		tenantLimit: tenantLimit,
		userLimit:   userLimit,
		refillRate:  refillRate,
		refillSec:   refillPeriod.Seconds(),
		global:      hierBucket{tokens: float64(globalLimit), lastRefill: now},
		tenants:     make(map[string]hierBucket),
		users:       make(map[string]hierBucket),
		clock:       c,
	}, nil
}

func (h *HierarchicalTokenBucket) refill(b hierBucket, capacity int64, now time.Time) hierBucket {
	elapsed := now.Sub(b.lastRefill).Seconds()
	if elapsed > 0 {
		add := (elapsed / h.refillSec) * h.refillRate
		b.tokens = minF(float64(capacity), b.tokens+add)
	}
	b.lastRefill = now
	return b
}

// AllowTenant checks and debits weight tokens from the global, tenant
// (if non-empty), and per-user user buckets identified by key.
func (h *HierarchicalTokenBucket) AllowTenant(ctx context.Context, key string, weight int, tenant string) (*Result, error) {
	if weight <= 0 {
		return nil, invalidArgument("weight must be positive")
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	w := float64(weight)

	global := h.refill(h.global, h.globalLimit, now)
	if global.tokens < w {
		return h.denial("global", h.globalLimit, global.tokens, now), nil
	}

	var tenantBucket hierBucket
	hasTenant := tenant != ""
	if hasTenant {
		tb, ok := h.tenants[tenant]
		if !ok {
			tb = hierBucket{tokens: float64(h.tenantLimit), lastRefill: now}
		}
		tenantBucket = h.refill(tb, h.tenantLimit, now)
		if tenantBucket.tokens < w {
			return h.denial("tenant:"+tenant, h.tenantLimit, tenantBucket.tokens, now), nil
		}
	}

	ub, ok := h.users[key]
	if !ok {
		ub = hierBucket{tokens: float64(h.userLimit), lastRefill: now}
	}
	userBucket := h.refill(ub, h.userLimit, now)
	if userBucket.tokens < w {
		return h.denial("user:"+key, h.userLimit, userBucket.tokens, now), nil
	}

	global.tokens -= w
	userBucket.tokens -= w
	h.global = global
	h.users[key] = userBucket
	meta := map[string]interface{}{
		"algorithm":        "hierarchical_token_bucket",
		"global_remaining": int64(global.tokens),
		"user_remaining":   int64(userBucket.tokens),
	}
	if hasTenant {
		tenantBucket.tokens -= w
		h.tenants[tenant] = tenantBucket
		meta["tenant_remaining"] = int64(tenantBucket.tokens)
	} else {
		meta["tenant_remaining"] = nil
	}

	return &Result{
		Allowed:   true,
		Remaining: int64(userBucket.tokens),
		Limit:     h.userLimit,
		ResetAt:   now.Add(time.Duration(float64(h.userLimit) / h.refillRate * h.refillSec * float64(time.Second))),
		Metadata:  meta,
	}, nil
}

func (h *HierarchicalTokenBucket) denial(level string, limit int64, remaining float64, now time.Time) *Result {
	tokensNeeded := 1 - remaining
	retryAfter := time.Duration((tokensNeeded/h.refillRate)*h.refillSec*float64(time.Second)) * 1
	return &Result{
		Allowed:    false,
		Remaining:  int64(remaining),
		Limit:      limit,
		ResetAt:    now.Add(retryAfter),
		RetryAfter: retryAfter,
		Violated:   true,
		Metadata: map[string]interface{}{
			"algorithm":      "hierarchical_token_bucket",
			"denied_at_level": level,
		},
	}
}

// Allow is equivalent to AllowTenant(ctx, key, 1, "").
func (h *HierarchicalTokenBucket) Allow(ctx context.Context, key string) (*Result, error) {
	return h.AllowTenant(ctx, key, 1, "")
}

// AllowN is equivalent to AllowTenant(ctx, key, n, "").
func (h *HierarchicalTokenBucket) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	return h.AllowTenant(ctx, key, n, "")
}

// CheckState reports the user-level bucket state without debiting it.
func (h *HierarchicalTokenBucket) CheckState(ctx context.Context, key string) (*Result, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	now := h.clock.Now()
	ub, ok := h.users[key]
	if !ok {
		ub = hierBucket{tokens: float64(h.userLimit), lastRefill: now}
	}
	userBucket := h.refill(ub, h.userLimit, now)
	global := h.refill(h.global, h.globalLimit, now)

	return &Result{
		Allowed:   true,
		Remaining: int64(userBucket.tokens),
		Limit:     h.userLimit,
		ResetAt:   now.Add(time.Duration(float64(h.userLimit) / h.refillRate * h.refillSec * float64(time.Second))),
		Violated:  userBucket.tokens < 1,
		Metadata: map[string]interface{}{
			"algorithm":        "hierarchical_token_bucket",
			"global_remaining": int64(global.tokens),
		},
	}, nil
}

// Reset clears the named user's bucket, or the entire hierarchy
// (global plus every tenant and user) when key is empty.
func (h *HierarchicalTokenBucket) Reset(ctx context.Context, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if key == "" {
		now := h.clock.Now()
		h.global = hierBucket{tokens: float64(h.globalLimit), lastRefill: now}
		h.tenants = make(map[string]hierBucket)
		h.users = make(map[string]hierBucket)
		return nil
	}
	delete(h.users, key)
	return nil
}
