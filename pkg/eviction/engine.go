// Package eviction enforces the cache's global byte budget and disk-space
// floor.
//
// The engine runs one pass per invocation: it snapshots candidates, orders
// them by the configured strategy, and removes resources until the budget
// and disk floor are satisfied or candidates run out. Permanent resources
// and resources with an active loader are never touched. If a pass cannot
// make enough room it logs and returns; the next write or timer retries.
package eviction

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shirou/gopsutil/v4/disk"

	"github.com/birdmichael/BMVideoCache/internal/logger"
	"github.com/birdmichael/BMVideoCache/pkg/cache"
	"github.com/birdmichael/BMVideoCache/pkg/metadata"
)

const cachePermanent = metadata.PriorityPermanent

// Defaults for optional Config fields.
const (
	DefaultCleanupInterval   = time.Hour
	DefaultDiskCheckInterval = 5 * time.Minute
)

// ErrConfig reports an invalid engine configuration.
var ErrConfig = errors.New("invalid eviction configuration")

// PressureLevel is a host-delivered memory pressure signal.
type PressureLevel int

const (
	PressureLow PressureLevel = iota
	PressureMedium
	PressureHigh
	PressureCritical
)

// String implements fmt.Stringer.
func (p PressureLevel) String() string {
	switch p {
	case PressureLow:
		return "low"
	case PressureMedium:
		return "medium"
	case PressureHigh:
		return "high"
	case PressureCritical:
		return "critical"
	default:
		return fmt.Sprintf("pressure(%d)", int(p))
	}
}

// ActiveChecker reports whether a key currently has an attached loader.
// Implementations must be non-suspending; the check runs inside eviction
// passes.
type ActiveChecker interface {
	IsActive(key string) bool
}

// Config holds engine tunables.
type Config struct {
	// Budget is the cache size budget in bytes. Zero disables the size
	// check.
	Budget int64

	// MinFreeDiskBytes is the free-space floor on the cache volume. Zero
	// disables the disk check.
	MinFreeDiskBytes uint64

	// Strategy selects the candidate ordering.
	Strategy Strategy

	// CleanupInterval is the cadence of the periodic expired sweep and
	// budget check.
	CleanupInterval time.Duration

	// DiskCheckInterval is the cadence of the disk-space check.
	DiskCheckInterval time.Duration

	// Directory is the cache volume path used for disk usage queries.
	Directory string
}

// Engine drives eviction passes from write notifications, periodic timers,
// and host memory-pressure signals.
type Engine struct {
	cache  *cache.Cache
	active ActiveChecker
	cfg    Config
	order  OrderFunc

	notify chan struct{}
	stop   chan struct{}
	done   chan struct{}
}

// New creates an engine. The strategy identifier must be registered.
func New(c *cache.Cache, active ActiveChecker, cfg Config) (*Engine, error) {
	if cfg.Strategy == "" {
		cfg.Strategy = StrategyLRU
	}
	order, ok := lookupStrategy(cfg.Strategy)
	if !ok {
		return nil, fmt.Errorf("%w: unknown strategy %q", ErrConfig, cfg.Strategy)
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultCleanupInterval
	}
	if cfg.DiskCheckInterval <= 0 {
		cfg.DiskCheckInterval = DefaultDiskCheckInterval
	}

	return &Engine{
		cache:  c,
		active: active,
		cfg:    cfg,
		order:  order,
		notify: make(chan struct{}, 1),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}, nil
}

// Notify schedules an eviction check. Safe to call from any goroutine;
// never blocks. Wire it as the cache's write notification.
func (e *Engine) Notify() {
	select {
	case e.notify <- struct{}{}:
	default:
	}
}

// Start runs the engine's background loop until Close.
func (e *Engine) Start() {
	go e.run()
}

// Close stops the background loop.
func (e *Engine) Close() {
	close(e.stop)
	<-e.done
}

func (e *Engine) run() {
	defer close(e.done)

	cleanup := time.NewTicker(e.cfg.CleanupInterval)
	defer cleanup.Stop()
	diskCheck := time.NewTicker(e.cfg.DiskCheckInterval)
	defer diskCheck.Stop()

	ctx := context.Background()
	for {
		select {
		case <-e.stop:
			return
		case <-e.notify:
			e.Check(ctx)
		case <-cleanup.C:
			e.SweepExpired(ctx)
			e.Check(ctx)
		case <-diskCheck.C:
			if !e.diskSatisfied() {
				e.Check(ctx)
			}
		}
	}
}

// Check runs one eviction pass if the budget or disk floor is violated.
func (e *Engine) Check(ctx context.Context) {
	size := e.cache.CurrentSize()
	if e.budgetSatisfied(size) && e.diskSatisfied() {
		return
	}

	ordered := orderCandidates(e.cache.Candidates(), e.cfg.Strategy, e.order, e.isActive, time.Now())

	evicted := 0
	for _, cand := range ordered {
		if e.budgetSatisfied(e.cache.CurrentSize()) && e.diskSatisfied() {
			break
		}
		if err := e.cache.Evict(ctx, cand.Key); err != nil {
			logger.Warn("eviction failed", logger.Resource(cand.Key), logger.Err(err))
			continue
		}
		evicted++
	}

	size = e.cache.CurrentSize()
	if !e.budgetSatisfied(size) || !e.diskSatisfied() {
		logger.Warn("eviction pass could not satisfy budget",
			logger.Strategy(string(e.cfg.Strategy)),
			logger.CacheSize(size), logger.Budget(e.cfg.Budget),
			logger.Evicted(evicted))
		return
	}
	if evicted > 0 {
		logger.Info("eviction pass complete",
			logger.Strategy(string(e.cfg.Strategy)),
			logger.Evicted(evicted), logger.CacheSize(size))
	}
}

// SweepExpired removes every expired, inactive, non-permanent resource
// regardless of the configured strategy.
func (e *Engine) SweepExpired(ctx context.Context) {
	now := time.Now()
	expired := orderCandidates(e.cache.Candidates(), StrategyExpired, byLastAccess, e.isActive, now)

	for _, cand := range expired {
		if err := e.cache.Evict(ctx, cand.Key); err != nil {
			logger.Warn("expired sweep failed", logger.Resource(cand.Key), logger.Err(err))
		}
	}
	if len(expired) > 0 {
		logger.Info("expired sweep complete", logger.Evicted(len(expired)))
	}
}

// HandleMemoryPressure evicts by priority tier in response to a host
// signal: medium drops low-priority resources, high additionally drops
// incomplete normal-priority resources, critical drops everything that is
// not permanent or active.
func (e *Engine) HandleMemoryPressure(ctx context.Context, level PressureLevel) {
	if level < PressureMedium {
		return
	}

	victim := func(c cache.Candidate) bool {
		switch level {
		case PressureMedium:
			return c.Priority == metadata.PriorityLow
		case PressureHigh:
			return c.Priority == metadata.PriorityLow ||
				(c.Priority == metadata.PriorityNormal && !c.Complete)
		default:
			return true
		}
	}

	evicted := 0
	for _, cand := range e.cache.Candidates() {
		if cand.Priority == cachePermanent || e.isActive(cand.Key) || !victim(cand) {
			continue
		}
		if err := e.cache.Evict(ctx, cand.Key); err != nil {
			logger.Warn("pressure eviction failed", logger.Resource(cand.Key), logger.Err(err))
			continue
		}
		evicted++
	}
	logger.Info("memory pressure handled",
		"level", level.String(), logger.Evicted(evicted))
}

func (e *Engine) isActive(key string) bool {
	return e.active != nil && e.active.IsActive(key)
}

func (e *Engine) budgetSatisfied(size int64) bool {
	return e.cfg.Budget <= 0 || size <= e.cfg.Budget
}

func (e *Engine) diskSatisfied() bool {
	if e.cfg.MinFreeDiskBytes == 0 {
		return true
	}
	usage, err := disk.Usage(e.cfg.Directory)
	if err != nil {
		logger.Warn("disk usage query failed", logger.Err(err))
		return true
	}
	return usage.Free >= e.cfg.MinFreeDiskBytes
}
