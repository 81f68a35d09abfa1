package goratelimit

import (
	"context"
	"sync"
)

// QuotaPool shares a single token-bucket budget across many members,
// optionally capping each member to its fair share of what's already
// been consumed, with tolerance headroom so one member's burst doesn't
// instantly starve the rest (spec §4.K).
type QuotaPool struct {
	mu sync.Mutex

	poolID      string
	totalQuota  int64
	pool        Limiter
	fairShare   bool
	maxPerMember int64 // 0 = unset
	tolerance   float64

	rollover        bool
	rolloverPercent float64
	rolloverQuota   int64

	memberUsage map[string]int64
}

// QuotaPoolOption configures a QuotaPool at construction.
type QuotaPoolOption func(*QuotaPool)

// WithFairShare enables/disables the per-member fair-share cap (default true).
func WithFairShare(v bool) QuotaPoolOption { return func(q *QuotaPool) { q.fairShare = v } }

// WithMaxPerMember caps any single member's lifetime-in-window usage.
func WithMaxPerMember(max int64) QuotaPoolOption { return func(q *QuotaPool) { q.maxPerMember = max } }

// WithTolerance sets the fair-share tolerance fraction (default 0.2):
// a member may consume up to fairShare*(1+tolerance) before being
// denied by the fair-share check.
func WithTolerance(tolerance float64) QuotaPoolOption {
	return func(q *QuotaPool) { q.tolerance = tolerance }
}

// WithRollover carries forward rolloverPercent of any unused quota
// into the rollover-quota accounting on Reset.
func WithRollover(rolloverPercent float64) QuotaPoolOption {
	return func(q *QuotaPool) {
		q.rollover = true
		if rolloverPercent < 0 {
			rolloverPercent = 0
		}
		if rolloverPercent > 1 {
			rolloverPercent = 1
		}
		q.rolloverPercent = rolloverPercent
	}
}

// NewQuotaPool builds a QuotaPool backed by a token bucket of size
// totalQuota refilling at totalQuota/windowSeconds tokens per second,
// rounded to the nearest whole token and never below 1. Defaults to
// fair-share enabled with a 0.2 tolerance fraction.
func NewQuotaPool(poolID string, totalQuota int64, windowSeconds int64, opts []Option, poolOpts ...QuotaPoolOption) (*QuotaPool, error) {
	if totalQuota <= 0 {
		return nil, invalidArgument("totalQuota must be positive")
	}
	refillRate := float64(totalQuota) / float64(windowSeconds)
	refill := int64(refillRate + 0.5)
	if refill < 1 {
		refill = 1
	}
	pool, err := NewTokenBucket(totalQuota, refill, opts...)
	if err != nil {
		return nil, err
	}
	q := &QuotaPool{
		poolID:      poolID,
		totalQuota:  totalQuota,
		pool:        pool,
		fairShare:   true,
		tolerance:   0.2,
		memberUsage: make(map[string]int64),
	}
	for _, o := range poolOpts {
		o(q)
	}
	return q, nil
}

// Consume attempts to debit weight from the shared pool on behalf of
// member. force bypasses the fair-share and per-member caps (but not
// the pool's own total-quota limit).
func (q *QuotaPool) Consume(ctx context.Context, member string, weight int, force bool) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.fairShare && !force {
		ok, err := q.checkFairShare(ctx, member, weight)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	if q.maxPerMember > 0 && !force {
		if q.memberUsage[member]+int64(weight) > q.maxPerMember {
			return false, nil
		}
	}

	result, err := q.pool.AllowN(ctx, q.poolID, weight)
	if err != nil {
		return false, err
	}
	if !result.Allowed {
		return false, nil
	}
	q.memberUsage[member] += int64(weight)
	return true, nil
}

func (q *QuotaPool) checkFairShare(ctx context.Context, member string, weight int) (bool, error) {
	state, err := q.pool.CheckState(ctx, q.poolID)
	if err != nil {
		return false, err
	}
	totalUsed := state.Limit - state.Remaining
	if totalUsed == 0 {
		return true, nil
	}
	numMembers := int64(len(q.memberUsage))
	if numMembers == 0 {
		numMembers = 1
	}
	fairShare := float64(totalUsed) / float64(numMembers)
	toleranceAmt := fairShare * q.tolerance
	return float64(q.memberUsage[member]+int64(weight)) <= fairShare+toleranceAmt, nil
}

// Check reports the pool's overall state, annotated with member (if
// non-empty)'s own usage, the pool ID, and the total quota.
func (q *QuotaPool) Check(ctx context.Context, member string) (*Result, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, err := q.pool.CheckState(ctx, q.poolID)
	if err != nil {
		return nil, err
	}
	if state.Metadata == nil {
		state.Metadata = make(map[string]interface{})
	}
	if member != "" {
		state.Metadata["member_usage"] = q.memberUsage[member]
		state.Metadata["member_id"] = member
	}
	state.Metadata["pool_id"] = q.poolID
	state.Metadata["total_quota"] = q.totalQuota
	return state, nil
}

// Reset clears the pool and every member's usage. If rollover is
// enabled, the unused-quota carry-forward is computed first.
func (q *QuotaPool) Reset(ctx context.Context) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.rollover {
		state, err := q.pool.CheckState(ctx, q.poolID)
		if err != nil {
			return err
		}
		if state.Remaining > 0 {
			q.rolloverQuota = int64(float64(state.Remaining) * q.rolloverPercent)
		}
	}
	if err := q.pool.Reset(ctx, q.poolID); err != nil {
		return err
	}
	q.memberUsage = make(map[string]int64)
	return nil
}

// Stats is a point-in-time snapshot of a QuotaPool's accounting,
// mirroring the pool's get_stats report.
type Stats struct {
	PoolID          string
	Total           int64
	Used            int64
	Remaining       int64
	Members         int
	MemberUsage     map[string]int64
	FairShare       bool
	MaxPerMember    int64
	RolloverEnabled bool
	RolloverQuota   int64
}

// GetStats returns a Stats snapshot of the pool's current accounting.
func (q *QuotaPool) GetStats(ctx context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	state, err := q.pool.CheckState(ctx, q.poolID)
	if err != nil {
		return Stats{}, err
	}
	usage := make(map[string]int64, len(q.memberUsage))
	for k, v := range q.memberUsage {
		usage[k] = v
	}
	return Stats{
		PoolID:          q.poolID,
		Total:           state.Limit,
		Used:            state.Limit - state.Remaining,
		Remaining:       state.Remaining,
		Members:         len(q.memberUsage),
		MemberUsage:     usage,
		FairShare:       q.fairShare,
		MaxPerMember:    q.maxPerMember,
		RolloverEnabled: q.rollover,
		RolloverQuota:   q.rolloverQuota,
	}, nil
}

// GetMemberUsage returns member's usage within the current window.
func (q *QuotaPool) GetMemberUsage(member string) int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.memberUsage[member]
}

// ListMembers returns every member with nonzero usage this window.
func (q *QuotaPool) ListMembers() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.memberUsage))
	for k := range q.memberUsage {
		out = append(out, k)
	}
	return out
}

// RemoveMember drops member's usage record without affecting the pool's budget.
func (q *QuotaPool) RemoveMember(member string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.memberUsage, member)
}

// SharedQuotaManager is a process-scoped, explicitly constructed
// registry of QuotaPools, keyed by pool ID. Unlike the Python original
// it carries no ambient/package-level state — callers own the
// *SharedQuotaManager instance.
type SharedQuotaManager struct {
	mu    sync.RWMutex
	pools map[string]*QuotaPool
	opts  []Option
}

// NewSharedQuotaManager builds an empty pool registry. opts is applied
// to every pool created via CreatePool.
func NewSharedQuotaManager(opts ...Option) *SharedQuotaManager {
	return &SharedQuotaManager{pools: make(map[string]*QuotaPool), opts: opts}
}

// CreatePool registers and returns a new QuotaPool. It returns a
// KindMisconfigured error if poolID is already registered.
func (m *SharedQuotaManager) CreatePool(poolID string, totalQuota, windowSeconds int64, poolOpts ...QuotaPoolOption) (*QuotaPool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.pools[poolID]; exists {
		return nil, misconfigured("pool already exists: " + poolID)
	}
	pool, err := NewQuotaPool(poolID, totalQuota, windowSeconds, m.opts, poolOpts...)
	if err != nil {
		return nil, err
	}
	m.pools[poolID] = pool
	return pool, nil
}

// GetPool returns a previously created pool.
func (m *SharedQuotaManager) GetPool(poolID string) (*QuotaPool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pool, ok := m.pools[poolID]
	if !ok {
		return nil, misconfigured("pool not found: " + poolID)
	}
	return pool, nil
}

// Consume is a convenience for GetPool(poolID).Consume(ctx, member, weight, false).
func (m *SharedQuotaManager) Consume(ctx context.Context, poolID, member string, weight int) (bool, error) {
	pool, err := m.GetPool(poolID)
	if err != nil {
		return false, err
	}
	return pool.Consume(ctx, member, weight, false)
}

// ListPools returns every registered pool ID.
func (m *SharedQuotaManager) ListPools() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]string, 0, len(m.pools))
	for k := range m.pools {
		out = append(out, k)
	}
	return out
}

// DeletePool removes a pool from the registry. It is a no-op if the
// pool doesn't exist.
func (m *SharedQuotaManager) DeletePool(poolID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pools, poolID)
}
