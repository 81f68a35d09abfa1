package goratelimit

import (
	"context"
	"sync"
	"time"
)

// TieredLimiter dispatches each key to a per-subscription-tier Limiter,
// keying the underlying limiter by "tier:key" so different tiers never
// share storage (spec §4.J). A tier with a nil Limiter is unlimited.
type TieredLimiter struct {
	mu          sync.RWMutex
	limiters    map[string]Limiter
	tierLimits  map[string]int64
	defaultTier string
}

// TieredOption configures a TieredLimiter at construction.
type TieredOption func(*TieredLimiter)

// NewTieredLimiter builds a TieredLimiter from a tier-name -> Limiter
// registry. A nil entry marks that tier unlimited. tierLimits supplies
// each tier's nominal limit for UpgradeTier's fraction-transfer math;
// tiers with a nil limiter, or omitted from tierLimits, are treated
// as unlimited/0 for that purpose.
func NewTieredLimiter(limiters map[string]Limiter, tierLimits map[string]int64, defaultTier string) (*TieredLimiter, error) {
	if len(limiters) == 0 {
		return nil, invalidArgument("at least one tier must be configured")
	}
	if _, ok := limiters[defaultTier]; !ok {
		return nil, invalidArgument("defaultTier must be one of the configured tiers")
	}
	cp := make(map[string]Limiter, len(limiters))
	for k, v := range limiters {
		cp[k] = v
	}
	tl := make(map[string]int64, len(tierLimits))
	for k, v := range tierLimits {
		tl[k] = v
	}
	return &TieredLimiter{limiters: cp, tierLimits: tl, defaultTier: defaultTier}, nil
}

func (t *TieredLimiter) resolve(tier string) string {
	if tier == "" {
		return t.defaultTier
	}
	return tier
}

func (t *TieredLimiter) limiterFor(tier string) (Limiter, bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.limiters[tier]
	if !ok {
		return nil, false, misconfigured("unknown tier: " + tier)
	}
	return l, l != nil, nil
}

// AllowTier checks and, on admission, debits weight from the named
// tier's underlying limiter. An empty tier uses the configured default.
func (t *TieredLimiter) AllowTier(ctx context.Context, key string, tier string, weight int) (*Result, error) {
	tier = t.resolve(tier)
	limiter, limited, err := t.limiterFor(tier)
	if err != nil {
		return nil, err
	}
	if !limited {
		return &Result{
			Allowed:   true,
			Remaining: unlimitedSentinel,
			Limit:     unlimitedSentinel,
			Metadata:  map[string]interface{}{"tier": tier, "unlimited": true},
		}, nil
	}
	return limiter.AllowN(ctx, tier+":"+key, weight)
}

// unlimitedSentinel mirrors the source's 999999999 stand-in for "no
// limit applies" so callers can distinguish it from a concrete 0 limit.
const unlimitedSentinel = 999999999

// Allow is equivalent to AllowTier(ctx, key, "", 1).
func (t *TieredLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return t.AllowTier(ctx, key, "", 1)
}

// AllowN is equivalent to AllowTier(ctx, key, "", n).
func (t *TieredLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	return t.AllowTier(ctx, key, "", n)
}

// CheckStateTier reports state for key under the named tier without mutating it.
func (t *TieredLimiter) CheckStateTier(ctx context.Context, key, tier string) (*Result, error) {
	tier = t.resolve(tier)
	limiter, limited, err := t.limiterFor(tier)
	if err != nil {
		return nil, err
	}
	if !limited {
		return &Result{
			Allowed:   true,
			Remaining: unlimitedSentinel,
			Limit:     unlimitedSentinel,
			ResetAt:   time.Now(),
			Metadata:  map[string]interface{}{"tier": tier, "unlimited": true},
		}, nil
	}
	return limiter.CheckState(ctx, tier+":"+key)
}

// CheckState is equivalent to CheckStateTier(ctx, key, "").
func (t *TieredLimiter) CheckState(ctx context.Context, key string) (*Result, error) {
	return t.CheckStateTier(ctx, key, "")
}

// ResetTier clears key's state for the named tier, or for every tier
// when tier is empty.
func (t *TieredLimiter) ResetTier(ctx context.Context, key, tier string) error {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if tier == "" {
		for name, l := range t.limiters {
			if l != nil {
				if err := l.Reset(ctx, name+":"+key); err != nil {
					return err
				}
			}
		}
		return nil
	}
	l, ok := t.limiters[tier]
	if !ok {
		return misconfigured("unknown tier: " + tier)
	}
	if l == nil {
		return nil
	}
	return l.Reset(ctx, tier+":"+key)
}

// Reset is equivalent to ResetTier(ctx, key, "").
func (t *TieredLimiter) Reset(ctx context.Context, key string) error {
	return t.ResetTier(ctx, key, "")
}

// IsUnlimited reports whether tier has no underlying limiter.
func (t *TieredLimiter) IsUnlimited(tier string) (bool, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	l, ok := t.limiters[tier]
	if !ok {
		return false, misconfigured("unknown tier: " + tier)
	}
	return l == nil, nil
}

// UpgradeTier moves key from fromTier to toTier. When preserveState is
// false, fromTier's state is simply cleared. When true, the fraction
// of fromTier's limit already consumed is computed and an equivalent
// fraction of toTier's limit is pre-debited, before fromTier is reset —
// so a user who had used 80% of their old tier's quota starts the new
// tier already 80% of the way to its limit rather than getting a free
// refill on upgrade.
func (t *TieredLimiter) UpgradeTier(ctx context.Context, key, fromTier, toTier string, preserveState bool) error {
	t.mu.RLock()
	oldLimiter, okFrom := t.limiters[fromTier]
	newLimiter, okTo := t.limiters[toTier]
	newLimit, haveNewLimit := t.tierLimits[toTier]
	t.mu.RUnlock()
	if !okFrom {
		return misconfigured("unknown tier: " + fromTier)
	}
	if !okTo {
		return misconfigured("unknown tier: " + toTier)
	}

	if !preserveState {
		return t.ResetTier(ctx, key, fromTier)
	}

	if oldLimiter != nil && newLimiter != nil && haveNewLimit && newLimit > 0 {
		state, err := oldLimiter.CheckState(ctx, fromTier+":"+key)
		if err != nil {
			return err
		}
		if state.Limit > 0 {
			usagePct := float64(state.Limit-state.Remaining) / float64(state.Limit)
			consumed := int(float64(newLimit) * usagePct)
			if consumed > 0 {
				if _, err := newLimiter.AllowN(ctx, toTier+":"+key, consumed); err != nil {
					return err
				}
			}
		}
	}
	return t.ResetTier(ctx, key, fromTier)
}
