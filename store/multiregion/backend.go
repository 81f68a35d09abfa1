// Package multiregion wraps one store.Backend per region plus a global
// coordinator backend behind a single store.Backend, adding a
// TTL-bounded local cache and an explicit failover policy for when the
// active region's backend errors out.
package multiregion

import (
	"context"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/krishna-kudari/ratelimit/store"
)

// FailoverPolicy selects what ConsumeRegion/Consume does when the
// active region's backend call fails.
type FailoverPolicy int

const (
	// FailoverLocalCache serves the last cached Entry for the key (or a
	// generous synthetic one if no cache entry exists yet) without
	// persisting the result anywhere until the region recovers.
	FailoverLocalCache FailoverPolicy = iota
	// FailoverDeny rejects every request while the active region is down.
	FailoverDeny
	// FailoverAllow admits every request while the active region is down.
	FailoverAllow
)

type cacheEntry struct {
	entry     store.Entry
	fetchedAt time.Time
}

// Backend implements store.Backend by delegating to a named set of
// regional backends plus a global coordinator used for periodic
// cross-region synchronization, adapted from the source's
// MultiRegionBackend (regions dict, global_coordinator, local cache,
// sync interval, three-way failover branch).
type Backend struct {
	mu sync.RWMutex

	regions      map[string]store.Backend
	defaultRegion string
	coordinator  store.Backend

	cacheTTL     time.Duration
	failover     FailoverPolicy
	syncInterval time.Duration
	maxCacheSize int

	cache    map[string]cacheEntry
	lastSync map[string]time.Time

	now func() time.Time
}

// Option configures a Backend at construction.
type Option func(*Backend)

// WithDefaultRegion sets which region Consume/Read use when no region
// is named explicitly via ConsumeRegion/ReadRegion. Defaults to the
// alphabetically first region name for determinism.
func WithDefaultRegion(name string) Option {
	return func(b *Backend) { b.defaultRegion = name }
}

// WithCacheTTL sets how long a cached Entry is served as fresh.
func WithCacheTTL(ttl time.Duration) Option {
	return func(b *Backend) { b.cacheTTL = ttl }
}

// WithFailoverPolicy sets the behavior used when the active region's
// backend call errors. Default is FailoverLocalCache.
func WithFailoverPolicy(p FailoverPolicy) Option {
	return func(b *Backend) { b.failover = p }
}

// WithSyncInterval sets the minimum time between background syncs of a
// key's state to the global coordinator.
func WithSyncInterval(d time.Duration) Option {
	return func(b *Backend) { b.syncInterval = d }
}

// WithMaxCacheSize caps the number of cached keys; when exceeded, the
// oldest 10% (by fetch time) are evicted, mirroring the source's
// `_update_cache` eviction batch.
func WithMaxCacheSize(n int) Option {
	return func(b *Backend) { b.maxCacheSize = n }
}

// WithNow overrides the time source, for deterministic tests.
func WithNow(fn func() time.Time) Option {
	return func(b *Backend) { b.now = fn }
}

// NewBackend builds a multi-region Backend. regions must be non-empty;
// coordinator receives periodic sync traffic and is used for Reset
// fan-out.
func NewBackend(regions map[string]store.Backend, coordinator store.Backend, opts ...Option) *Backend {
	b := &Backend{
		regions:      regions,
		coordinator:  coordinator,
		cacheTTL:     60 * time.Second,
		failover:     FailoverLocalCache,
		syncInterval: time.Second,
		maxCacheSize: 10000,
		cache:        make(map[string]cacheEntry),
		lastSync:     make(map[string]time.Time),
		now:          time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.defaultRegion == "" {
		names := make([]string, 0, len(regions))
		for name := range regions {
			names = append(names, name)
		}
		sort.Strings(names)
		if len(names) > 0 {
			b.defaultRegion = names[0]
		}
	}
	return b
}

func (b *Backend) regionBackend(region string) (store.Backend, error) {
	if region == "" {
		region = b.defaultRegion
	}
	rb, ok := b.regions[region]
	if !ok {
		return nil, &unknownRegionError{region: region}
	}
	return rb, nil
}

type unknownRegionError struct{ region string }

func (e *unknownRegionError) Error() string { return "multiregion: unknown region: " + e.region }

func (b *Backend) getCached(key string) (store.Entry, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	ce, ok := b.cache[key]
	if !ok {
		return store.Entry{}, false
	}
	if b.now().Sub(ce.fetchedAt) >= b.cacheTTL {
		return store.Entry{}, false
	}
	return ce.entry, true
}

func (b *Backend) updateCache(key string, entry store.Entry) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.cache) >= b.maxCacheSize {
		type kv struct {
			key string
			at  time.Time
		}
		items := make([]kv, 0, len(b.cache))
		for k, v := range b.cache {
			items = append(items, kv{k, v.fetchedAt})
		}
		sort.Slice(items, func(i, j int) bool { return items[i].at.Before(items[j].at) })
		toRemove := len(items) / 10
		for i := 0; i < toRemove; i++ {
			delete(b.cache, items[i].key)
		}
	}
	b.cache[key] = cacheEntry{entry: entry, fetchedAt: b.now()}
}

func (b *Backend) shouldSyncGlobal(key string) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	last, ok := b.lastSync[key]
	if !ok {
		return true
	}
	return b.now().Sub(last) >= b.syncInterval
}

func (b *Backend) syncToGlobal(ctx context.Context, key string) {
	if b.coordinator == nil {
		return
	}
	noop := func(now time.Time, cur store.Entry) (store.Entry, store.Decision) {
		return cur, store.Decision{Admit: false}
	}
	if _, _, err := b.coordinator.Consume(ctx, key, noop); err != nil {
		log.Printf("multiregion: global sync failed for %q: %v", key, err)
		return
	}
	b.mu.Lock()
	b.lastSync[key] = b.now()
	b.mu.Unlock()
}

// Read returns key's entry from the default region, falling back to
// the local cache on a backend error.
func (b *Backend) Read(ctx context.Context, key string) (store.Entry, bool, error) {
	return b.ReadRegion(ctx, "", key)
}

// ReadRegion is Read against a specific named region.
func (b *Backend) ReadRegion(ctx context.Context, region, key string) (store.Entry, bool, error) {
	rb, err := b.regionBackend(region)
	if err != nil {
		return store.Entry{}, false, err
	}
	entry, ok, err := rb.Read(ctx, key)
	if err != nil {
		if cached, found := b.getCached(key); found {
			return cached, true, nil
		}
		return store.Entry{}, false, nil
	}
	if ok {
		b.updateCache(key, entry)
	}
	return entry, ok, nil
}

// Peek is equivalent to Read.
func (b *Backend) Peek(ctx context.Context, key string) (store.Entry, bool, error) {
	return b.Read(ctx, key)
}

// Consume applies fn against the default region's backend, adapted
// from the source's `allow`/`_handle_failover`: on a regional backend
// error, the configured FailoverPolicy decides whether to serve the
// cached entry, deny outright, or admit outright — none of which is
// persisted back to any region until it recovers.
func (b *Backend) Consume(ctx context.Context, key string, fn store.MutateFunc) (store.Entry, store.Decision, error) {
	return b.ConsumeRegion(ctx, "", key, fn)
}

// ConsumeRegion is Consume against a specific named region.
func (b *Backend) ConsumeRegion(ctx context.Context, region, key string, fn store.MutateFunc) (store.Entry, store.Decision, error) {
	rb, err := b.regionBackend(region)
	if err != nil {
		return store.Entry{}, store.Decision{}, err
	}

	entry, decision, err := rb.Consume(ctx, key, fn)
	if err == nil {
		b.updateCache(key, entry)
		if b.shouldSyncGlobal(key) {
			b.syncToGlobal(ctx, key)
		}
		return entry, decision, nil
	}

	log.Printf("multiregion: region %q unavailable for %q, failing over (%s): %v", region, key, failoverName(b.failover), err)
	return b.handleFailover(ctx, key, fn)
}

func (b *Backend) handleFailover(ctx context.Context, key string, fn store.MutateFunc) (store.Entry, store.Decision, error) {
	switch b.failover {
	case FailoverLocalCache:
		cur, ok := b.getCached(key)
		if !ok {
			cur = store.Entry{Tokens: 1000, LastRefill: b.now()}
		}
		next, decision := fn(b.now(), cur)
		if decision.Admit {
			b.updateCache(key, next)
			return next, decision, nil
		}
		return cur, decision, nil
	case FailoverDeny:
		return store.Entry{}, store.Decision{Admit: false, RetryAfter: 60 * time.Second}, nil
	case FailoverAllow:
		cur := store.Entry{Tokens: 1_000_000, LastRefill: b.now()}
		next, _ := fn(b.now(), cur)
		return next, store.Decision{Admit: true}, nil
	default:
		return store.Entry{}, store.Decision{}, backendMisconfigured(b.failover)
	}
}

func failoverName(p FailoverPolicy) string {
	switch p {
	case FailoverLocalCache:
		return "local_cache"
	case FailoverDeny:
		return "deny"
	case FailoverAllow:
		return "allow"
	default:
		return "unknown"
	}
}

type unknownFailoverError struct{ policy FailoverPolicy }

func (e *unknownFailoverError) Error() string {
	return "multiregion: unknown failover policy"
}

func backendMisconfigured(p FailoverPolicy) error {
	return &unknownFailoverError{policy: p}
}

// Reset clears key from the local cache and every region plus the
// global coordinator. Errors from individual regions are logged and
// swallowed, mirroring the source's best-effort fan-out reset.
func (b *Backend) Reset(ctx context.Context, key string) error {
	b.mu.Lock()
	delete(b.cache, key)
	delete(b.lastSync, key)
	b.mu.Unlock()

	for name, rb := range b.regions {
		if err := rb.Reset(ctx, key); err != nil {
			log.Printf("multiregion: reset failed in region %q for %q: %v", name, key, err)
		}
	}
	if b.coordinator != nil {
		if err := b.coordinator.Reset(ctx, key); err != nil {
			log.Printf("multiregion: reset failed in global coordinator for %q: %v", key, err)
		}
	}
	return nil
}

// ResetAll clears the local cache and every region plus the global coordinator.
func (b *Backend) ResetAll(ctx context.Context) error {
	b.mu.Lock()
	b.cache = make(map[string]cacheEntry)
	b.lastSync = make(map[string]time.Time)
	b.mu.Unlock()

	for name, rb := range b.regions {
		if err := rb.ResetAll(ctx); err != nil {
			log.Printf("multiregion: reset-all failed in region %q: %v", name, err)
		}
	}
	if b.coordinator != nil {
		if err := b.coordinator.ResetAll(ctx); err != nil {
			log.Printf("multiregion: reset-all failed in global coordinator: %v", err)
		}
	}
	return nil
}

// Close closes every regional backend and the global coordinator.
func (b *Backend) Close() error {
	var firstErr error
	for _, rb := range b.regions {
		if err := rb.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.coordinator != nil {
		if err := b.coordinator.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stats is a point-in-time snapshot of the wrapper's cache and config,
// mirroring the source's get_stats.
type Stats struct {
	CacheSize    int
	MaxCacheSize int
	Regions      []string
	CacheTTL     time.Duration
	SyncInterval time.Duration
	Failover     FailoverPolicy
}

// GetStats returns a Stats snapshot.
func (b *Backend) GetStats() Stats {
	b.mu.RLock()
	defer b.mu.RUnlock()
	regions := make([]string, 0, len(b.regions))
	for name := range b.regions {
		regions = append(regions, name)
	}
	sort.Strings(regions)
	return Stats{
		CacheSize:    len(b.cache),
		MaxCacheSize: b.maxCacheSize,
		Regions:      regions,
		CacheTTL:     b.cacheTTL,
		SyncInterval: b.syncInterval,
		Failover:     b.failover,
	}
}

// ClearCache empties the local cache without touching any region.
func (b *Backend) ClearCache() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cache = make(map[string]cacheEntry)
	b.lastSync = make(map[string]time.Time)
}
