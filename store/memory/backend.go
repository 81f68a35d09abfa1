package memory

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/krishna-kudari/ratelimit/store"
)

// Backend is the sharded in-process reference implementation of
// store.Backend. Keys are distributed across a fixed number of shards
// by hash(key) mod N; each shard is guarded by its own mutex so
// unrelated keys never contend. Expired entries are swept lazily on
// access (single-key check inside the shard's critical section) and
// periodically in bulk by a background sweep goroutine.
type Backend struct {
	shards []*shard
	mask   uint32

	ttl         time.Duration
	sweep       time.Duration
	closeOnce   sync.Once
	closeCh     chan struct{}
	now         func() time.Time
}

type shard struct {
	mu   sync.Mutex
	data map[string]shardEntry
}

type shardEntry struct {
	entry  store.Entry
	expiry time.Time
}

// BackendOption configures a Backend.
type BackendOption func(*Backend)

// WithShardCount sets the number of independently-locked shards.
// Rounded up to a power of two; defaults to 16. Higher values reduce lock
// contention under high fan-in at the cost of more goroutine-local
// bookkeeping.
func WithShardCount(n int) BackendOption {
	return func(b *Backend) {
		if n <= 0 {
			return
		}
		p := 1
		for p < n {
			p <<= 1
		}
		b.shards = make([]*shard, p)
		b.mask = uint32(p - 1)
	}
}

// WithTTL sets how long an untouched key survives before it becomes
// eligible for eviction. Zero disables TTL eviction.
func WithTTL(ttl time.Duration) BackendOption {
	return func(b *Backend) { b.ttl = ttl }
}

// WithSweepInterval sets how often the background sweep goroutine
// scans for expired keys, bounding worst-case memory growth without
// requiring every Read to pay for a full scan.
func WithSweepInterval(d time.Duration) BackendOption {
	return func(b *Backend) { b.sweep = d }
}

// WithNow overrides the time source. goratelimit wires this to the
// injected clock.Clock so a mocked clock drives backend TTL/refill
// arithmetic the same way it drives the calling algorithm; tests that
// use this package directly can pass their own func() time.Time.
func WithNow(fn func() time.Time) BackendOption {
	return func(b *Backend) { b.now = fn }
}

// NewBackend creates a sharded in-process Backend with the given options.
func NewBackend(opts ...BackendOption) *Backend {
	b := &Backend{
		ttl:     10 * time.Minute,
		sweep:   30 * time.Second,
		closeCh: make(chan struct{}),
		now:     time.Now,
	}
	for _, o := range opts {
		o(b)
	}
	if b.shards == nil {
		b.shards = make([]*shard, 16)
		b.mask = 15
	}
	for i := range b.shards {
		b.shards[i] = &shard{data: make(map[string]shardEntry)}
	}
	if b.ttl > 0 && b.sweep > 0 {
		go b.sweepLoop()
	}
	return b
}

func (b *Backend) shardFor(key string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return b.shards[h.Sum32()&b.mask]
}

func (b *Backend) Read(_ context.Context, key string) (store.Entry, bool, error) {
	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	se, ok := s.data[key]
	if !ok || b.expired(se) {
		if ok {
			delete(s.data, key)
		}
		return store.Entry{}, false, nil
	}
	return se.entry, true, nil
}

func (b *Backend) Peek(ctx context.Context, key string) (store.Entry, bool, error) {
	return b.Read(ctx, key)
}

func (b *Backend) Consume(_ context.Context, key string, fn store.MutateFunc) (store.Entry, store.Decision, error) {
	s := b.shardFor(key)
	s.mu.Lock()
	defer s.mu.Unlock()

	now := b.now()
	se, ok := s.data[key]
	cur := se.entry
	if !ok || b.expired(se) {
		cur = store.Entry{}
	}

	next, decision := fn(now, cur)
	if !decision.Admit {
		return cur, decision, nil
	}

	next.LastTouched = now
	expiry := time.Time{}
	if b.ttl > 0 {
		expiry = now.Add(b.ttl)
	}
	s.data[key] = shardEntry{entry: next, expiry: expiry}
	return next, decision, nil
}

func (b *Backend) Reset(_ context.Context, key string) error {
	s := b.shardFor(key)
	s.mu.Lock()
	delete(s.data, key)
	s.mu.Unlock()
	return nil
}

func (b *Backend) ResetAll(_ context.Context) error {
	for _, s := range b.shards {
		s.mu.Lock()
		s.data = make(map[string]shardEntry)
		s.mu.Unlock()
	}
	return nil
}

func (b *Backend) Close() error {
	b.closeOnce.Do(func() { close(b.closeCh) })
	return nil
}

func (b *Backend) expired(se shardEntry) bool {
	return !se.expiry.IsZero() && b.now().After(se.expiry)
}

func (b *Backend) sweepLoop() {
	ticker := time.NewTicker(b.sweep)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			b.sweepExpired()
		case <-b.closeCh:
			return
		}
	}
}

// sweepExpired amortizes TTL reclamation across all shards: each
// shard's expired keys are collected and deleted under its own lock,
// so no shard holds its mutex for longer than its own scan.
func (b *Backend) sweepExpired() {
	now := b.now()
	for _, s := range b.shards {
		s.mu.Lock()
		for k, se := range s.data {
			if !se.expiry.IsZero() && now.After(se.expiry) {
				delete(s.data, k)
			}
		}
		s.mu.Unlock()
	}
}
