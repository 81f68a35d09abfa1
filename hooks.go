package goratelimit

import "context"

// HookFunc observes a single Allow/AllowN call. args vary by event:
// BeforeCheck receives (key, weight); AfterCheck/OnAllow/OnDeny
// receive (key, weight, *Result); OnError receives (key, weight, error).
type HookFunc func(ctx context.Context, key string, weight int, arg interface{})

// Hooks holds observer callbacks fired around every Allow/AllowN call,
// in registration order (spec §6 hooks expansion). A hook that panics
// is recovered and otherwise ignored — hooks are never allowed to
// abort or alter the underlying decision.
type Hooks struct {
	BeforeCheck []HookFunc
	AfterCheck  []HookFunc
	OnAllow     []HookFunc
	OnDeny      []HookFunc
	OnError     []HookFunc
}

// Register appends fn to the named event's callback list. Valid event
// names are "before_check", "after_check", "on_allow", "on_deny", and
// "on_error"; any other name is a no-op.
func (h *Hooks) Register(event string, fn HookFunc) {
	switch event {
	case "before_check":
		h.BeforeCheck = append(h.BeforeCheck, fn)
	case "after_check":
		h.AfterCheck = append(h.AfterCheck, fn)
	case "on_allow":
		h.OnAllow = append(h.OnAllow, fn)
	case "on_deny":
		h.OnDeny = append(h.OnDeny, fn)
	case "on_error":
		h.OnError = append(h.OnError, fn)
	}
}

func runHooks(fns []HookFunc, ctx context.Context, key string, weight int, arg interface{}) {
	for _, fn := range fns {
		callHook(fn, ctx, key, weight, arg)
	}
}

func callHook(fn HookFunc, ctx context.Context, key string, weight int, arg interface{}) {
	defer func() { _ = recover() }()
	fn(ctx, key, weight, arg)
}

// Wrap returns a Limiter that fires hooks around every Allow/AllowN
// call to inner, mirroring the teacher's metrics.Wrap/cache.LocalCache
// decorator pattern. CheckState and Reset pass through unobserved.
func Wrap(inner Limiter, hooks *Hooks) Limiter {
	return &hookedLimiter{inner: inner, hooks: hooks}
}

type hookedLimiter struct {
	inner Limiter
	hooks *Hooks
}

func (l *hookedLimiter) Allow(ctx context.Context, key string) (*Result, error) {
	return l.AllowN(ctx, key, 1)
}

func (l *hookedLimiter) AllowN(ctx context.Context, key string, n int) (*Result, error) {
	runHooks(l.hooks.BeforeCheck, ctx, key, n, nil)

	result, err := l.inner.AllowN(ctx, key, n)
	if err != nil {
		runHooks(l.hooks.OnError, ctx, key, n, err)
		return result, err
	}

	runHooks(l.hooks.AfterCheck, ctx, key, n, result)
	if result.Allowed {
		runHooks(l.hooks.OnAllow, ctx, key, n, result)
	} else {
		runHooks(l.hooks.OnDeny, ctx, key, n, result)
	}
	return result, nil
}

func (l *hookedLimiter) CheckState(ctx context.Context, key string) (*Result, error) {
	return l.inner.CheckState(ctx, key)
}

func (l *hookedLimiter) Reset(ctx context.Context, key string) error {
	return l.inner.Reset(ctx, key)
}
