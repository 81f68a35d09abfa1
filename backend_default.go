package goratelimit

import (
	"github.com/krishna-kudari/ratelimit/internal/clock"
	"github.com/krishna-kudari/ratelimit/store/memory"
)

// defaultMemoryBackend returns a fresh sharded in-process backend
// driven by c, so a mocked clock controls the backend's own refill/TTL
// arithmetic exactly as it controls the calling algorithm. Each
// algorithm constructor that falls through to it owns an independent
// instance — consistent with §9's "no ambient global process state"
// design note; callers who want to share one backend across limiters
// pass it explicitly via WithBackend.
func defaultMemoryBackend(c clock.Clock) *memory.Backend {
	return memory.NewBackend(memory.WithNow(c.Now))
}
