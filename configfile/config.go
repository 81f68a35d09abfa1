// Package configfile builds a goratelimit.Limiter declaratively from a
// Config value instead of Go constructor calls, for callers that load
// limiter definitions from JSON/YAML/env rather than wiring them by
// hand. It is a thin, optional adapter: the core package never imports
// it.
package configfile

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"

	goratelimit "github.com/krishna-kudari/ratelimit"
	"github.com/krishna-kudari/ratelimit/store/memory"
	sqlbackend "github.com/krishna-kudari/ratelimit/store/sql"
)

// Config is the declarative description of a single limiter, mirroring
// the source's RateLimiter constructor arguments (algorithm, backend,
// limit, window, algorithm_options, backend_options).
type Config struct {
	Algorithm        string
	Backend          string
	Limit            int64
	Window           string // e.g. "60", "minute", "1h"
	AlgorithmOptions map[string]interface{}
	BackendOptions   map[string]interface{}
	RaiseOnLimit     bool
}

// windowUnits mirrors the source's _parse_window conversion table.
var windowUnits = map[string]time.Duration{
	"second": time.Second,
	"minute": time.Minute,
	"hour":   time.Hour,
	"day":    24 * time.Hour,
	"week":   7 * 24 * time.Hour,
}

// ParseWindow parses a window string as either a bare integer number
// of seconds, a Go duration ("90s", "5m"), or one of the source's named
// units (second/minute/hour/day/week).
func ParseWindow(w string) (time.Duration, error) {
	w = strings.TrimSpace(w)
	if w == "" {
		return 0, fmt.Errorf("configfile: empty window")
	}
	if secs, err := strconv.ParseInt(w, 10, 64); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	if d, ok := windowUnits[strings.ToLower(w)]; ok {
		return d, nil
	}
	if d, err := time.ParseDuration(w); err == nil {
		return d, nil
	}
	return 0, fmt.Errorf("configfile: invalid window: %q", w)
}

// AlgorithmFactory builds a Limiter for one algorithm name. opts
// already carries the backend/raise-on-limit options resolved from
// Config; window is the already-parsed duration.
type AlgorithmFactory func(limit int64, window time.Duration, algoOpts map[string]interface{}, opts []goratelimit.Option) (goratelimit.Limiter, error)

// BackendFactory resolves backend_options into a goratelimit.Option
// that wires the constructed backend/client into the limiter, or
// returns nil to mean "use the library's default in-process backend".
type BackendFactory func(options map[string]interface{}) (goratelimit.Option, error)

var algorithmRegistry = map[string]AlgorithmFactory{}
var backendRegistry = map[string]BackendFactory{}

func init() {
	RegisterAlgorithm("token_bucket", buildTokenBucket)
	RegisterAlgorithm("leaky_bucket", buildLeakyBucket)
	RegisterAlgorithm("fixed_window", buildFixedWindow)
	RegisterAlgorithm("sliding_window", buildSlidingWindow)
	RegisterAlgorithm("sliding_window_counter", buildSlidingWindowCounter)
	RegisterAlgorithm("gcra", buildGCRA)

	RegisterBackend("memory", buildMemoryBackend)
	RegisterBackend("redis", buildRedisBackend)
	RegisterBackend("sql", buildSQLBackend)
}

// RegisterAlgorithm adds or replaces the factory for an algorithm name
// (case-insensitive lookup at Build time).
func RegisterAlgorithm(name string, f AlgorithmFactory) {
	algorithmRegistry[strings.ToLower(name)] = f
}

// RegisterBackend adds or replaces the factory for a backend name
// (case-insensitive lookup at Build time).
func RegisterBackend(name string, f BackendFactory) {
	backendRegistry[strings.ToLower(name)] = f
}

// Build constructs a goratelimit.Limiter from cfg, dispatching through
// the algorithm/backend registries — the Go analogue of the source's
// _create_algorithm/_create_backend string-dispatch factories.
func Build(cfg Config) (goratelimit.Limiter, error) {
	if cfg.Limit <= 0 {
		return nil, fmt.Errorf("configfile: limit must be positive")
	}
	window, err := ParseWindow(cfg.Window)
	if err != nil {
		return nil, err
	}

	var opts []goratelimit.Option
	if cfg.Backend != "" {
		factory, ok := backendRegistry[strings.ToLower(cfg.Backend)]
		if !ok {
			return nil, fmt.Errorf("configfile: unknown backend: %q", cfg.Backend)
		}
		opt, err := factory(cfg.BackendOptions)
		if err != nil {
			return nil, fmt.Errorf("configfile: building backend %q: %w", cfg.Backend, err)
		}
		if opt != nil {
			opts = append(opts, opt)
		}
	}
	if cfg.RaiseOnLimit {
		opts = append(opts, goratelimit.WithRaiseOnLimit(true))
	}

	algoFactory, ok := algorithmRegistry[strings.ToLower(cfg.Algorithm)]
	if !ok {
		return nil, fmt.Errorf("configfile: unknown algorithm: %q", cfg.Algorithm)
	}
	return algoFactory(cfg.Limit, window, cfg.AlgorithmOptions, opts)
}

// ─── option-map helpers ───────────────────────────────────────────────────

func optInt64(m map[string]interface{}, key string, def int64) int64 {
	v, ok := m[key]
	if !ok {
		return def
	}
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return def
	}
}

func optString(m map[string]interface{}, key, def string) string {
	v, ok := m[key]
	if !ok {
		return def
	}
	s, ok := v.(string)
	if !ok {
		return def
	}
	return s
}

func optStringSlice(m map[string]interface{}, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	switch s := v.(type) {
	case []string:
		return s
	case string:
		return []string{s}
	default:
		return nil
	}
}

// ─── algorithm factories ──────────────────────────────────────────────────

func buildTokenBucket(limit int64, window time.Duration, algoOpts map[string]interface{}, opts []goratelimit.Option) (goratelimit.Limiter, error) {
	capacity := optInt64(algoOpts, "capacity", limit)
	refillRate := optInt64(algoOpts, "refill_rate", maxI64(1, limit/maxI64(1, int64(window.Seconds()))))
	return goratelimit.NewTokenBucket(capacity, refillRate, opts...)
}

func buildLeakyBucket(limit int64, window time.Duration, algoOpts map[string]interface{}, opts []goratelimit.Option) (goratelimit.Limiter, error) {
	capacity := optInt64(algoOpts, "capacity", limit)
	leakRate := optInt64(algoOpts, "leak_rate", maxI64(1, limit/maxI64(1, int64(window.Seconds()))))
	mode := goratelimit.LeakyBucketMode(optString(algoOpts, "mode", string(goratelimit.Policing)))
	return goratelimit.NewLeakyBucket(capacity, leakRate, mode, opts...)
}

func buildFixedWindow(limit int64, window time.Duration, algoOpts map[string]interface{}, opts []goratelimit.Option) (goratelimit.Limiter, error) {
	return goratelimit.NewFixedWindow(limit, int64(window.Seconds()), opts...)
}

func buildSlidingWindow(limit int64, window time.Duration, algoOpts map[string]interface{}, opts []goratelimit.Option) (goratelimit.Limiter, error) {
	return goratelimit.NewSlidingWindow(limit, int64(window.Seconds()), opts...)
}

func buildSlidingWindowCounter(limit int64, window time.Duration, algoOpts map[string]interface{}, opts []goratelimit.Option) (goratelimit.Limiter, error) {
	return goratelimit.NewSlidingWindowCounter(limit, int64(window.Seconds()), opts...)
}

func buildGCRA(limit int64, window time.Duration, algoOpts map[string]interface{}, opts []goratelimit.Option) (goratelimit.Limiter, error) {
	burst := optInt64(algoOpts, "burst", limit)
	return goratelimit.NewGCRA(limit, burst, opts...)
}

func maxI64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ─── backend factories ─────────────────────────────────────────────────────

func buildMemoryBackend(options map[string]interface{}) (goratelimit.Option, error) {
	var memOpts []memory.BackendOption
	if v, ok := options["ttl"]; ok {
		d, err := ParseWindow(fmt.Sprintf("%v", v))
		if err != nil {
			return nil, err
		}
		memOpts = append(memOpts, memory.WithTTL(d))
	}
	if v, ok := options["sweep_interval"]; ok {
		d, err := ParseWindow(fmt.Sprintf("%v", v))
		if err != nil {
			return nil, err
		}
		memOpts = append(memOpts, memory.WithSweepInterval(d))
	}
	shardCount := int(optInt64(options, "shard_count", 0))
	if shardCount > 0 {
		memOpts = append(memOpts, memory.WithShardCount(shardCount))
	}
	return goratelimit.WithBackend(memory.NewBackend(memOpts...)), nil
}

func buildRedisBackend(options map[string]interface{}) (goratelimit.Option, error) {
	addrs := optStringSlice(options, "addrs")
	if len(addrs) == 0 {
		addrs = []string{optString(options, "addr", "localhost:6379")}
	}
	client := redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    addrs,
		Password: optString(options, "password", ""),
		DB:       int(optInt64(options, "db", 0)),
	})
	return goratelimit.WithRedis(client), nil
}

func buildSQLBackend(options map[string]interface{}) (goratelimit.Option, error) {
	dsn := optString(options, "dsn", "")
	if dsn == "" {
		return nil, fmt.Errorf("configfile: sql backend requires a \"dsn\" option")
	}
	table := optString(options, "table", "ratelimit_state")
	pool, err := pgxpool.New(context.Background(), dsn)
	if err != nil {
		return nil, fmt.Errorf("configfile: connecting sql backend: %w", err)
	}
	return goratelimit.WithBackend(sqlbackend.New(pool, table)), nil
}
