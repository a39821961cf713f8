package eviction

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/birdmichael/BMVideoCache/pkg/cache"
)

// Strategy identifies a candidate ordering. The identifiers are stable
// strings so persisted configuration survives restarts.
type Strategy string

const (
	// StrategyLRU evicts least recently used resources first.
	StrategyLRU Strategy = "lru"

	// StrategyLFU evicts least frequently used resources first.
	StrategyLFU Strategy = "lfu"

	// StrategyFIFO approximates insertion order using last access as a
	// proxy, since no distinct creation time is tracked.
	StrategyFIFO Strategy = "fifo"

	// StrategyExpired only evicts resources past their expiration
	// deadline.
	StrategyExpired Strategy = "expired"

	// StrategyPriority evicts lower-priority resources first.
	StrategyPriority Strategy = "priority"
)

// OrderFunc reports whether candidate a should be evicted before b.
type OrderFunc func(a, b cache.Candidate) bool

var (
	strategyMu sync.RWMutex
	strategies = map[Strategy]OrderFunc{
		StrategyLRU:  byLastAccess,
		StrategyFIFO: byLastAccess,
		StrategyLFU: func(a, b cache.Candidate) bool {
			if a.AccessCount != b.AccessCount {
				return a.AccessCount < b.AccessCount
			}
			return a.LastAccess.Before(b.LastAccess)
		},
		StrategyExpired: byLastAccess,
		StrategyPriority: func(a, b cache.Candidate) bool {
			if a.Priority != b.Priority {
				return a.Priority < b.Priority
			}
			return a.LastAccess.Before(b.LastAccess)
		},
	}
)

func byLastAccess(a, b cache.Candidate) bool {
	return a.LastAccess.Before(b.LastAccess)
}

// RegisterStrategy installs a custom ordering under a stable identifier.
// Re-registering an identifier replaces the previous ordering; the built-in
// identifiers cannot be replaced.
func RegisterStrategy(name Strategy, fn OrderFunc) error {
	switch name {
	case StrategyLRU, StrategyLFU, StrategyFIFO, StrategyExpired, StrategyPriority:
		return fmt.Errorf("cannot replace built-in strategy %q", name)
	}
	if fn == nil {
		return fmt.Errorf("strategy %q: order function is required", name)
	}
	strategyMu.Lock()
	strategies[name] = fn
	strategyMu.Unlock()
	return nil
}

// lookupStrategy resolves a strategy identifier.
func lookupStrategy(name Strategy) (OrderFunc, bool) {
	strategyMu.RLock()
	defer strategyMu.RUnlock()
	fn, ok := strategies[name]
	return fn, ok
}

// orderCandidates filters and sorts candidates for one eviction pass.
// Permanent and active resources are never candidates; for the expired
// strategy only resources past their deadline qualify.
func orderCandidates(cands []cache.Candidate, strategy Strategy, fn OrderFunc, isActive func(string) bool, now time.Time) []cache.Candidate {
	out := cands[:0]
	for _, c := range cands {
		if c.Priority == cachePermanent {
			continue
		}
		if isActive != nil && isActive(c.Key) {
			continue
		}
		if strategy == StrategyExpired && (c.ExpiresAt.IsZero() || !c.ExpiresAt.Before(now)) {
			continue
		}
		out = append(out, c)
	}
	sort.SliceStable(out, func(i, j int) bool { return fn(out[i], out[j]) })
	return out
}
