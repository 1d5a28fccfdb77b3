// Package resguard enforces static resource limits that gate two
// operations that would otherwise grow unboundedly under load: shared
// memory pool growth (4.A's power-of-two strategy) and the node-liveness
// cleanup sweep (4.F). It never changes the data-plane's wait-free
// behavior; it only decides, ahead of time, whether an operation that is
// about to allocate or iterate is currently safe to run.
package resguard

import (
	"context"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/mem"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Limits are static, operator-configured thresholds.
type Limits struct {
	MemoryRejectBytes int64         // refuse pool growth above this much host memory in use
	SweepRate         rate.Limit    // liveness sweeps per second
	SweepBurst        int
	MaxGoroutines     int
}

// DefaultLimits returns a conservative set of limits suitable for a single
// process with no operator-provided override.
func DefaultLimits() Limits {
	return Limits{
		MemoryRejectBytes: 512 << 20,
		SweepRate:         rate.Limit(50),
		SweepBurst:        100,
		MaxGoroutines:     100000,
	}
}

// Guard samples host resource state and answers admission questions for
// the pool allocator and the liveness sweep.
type Guard struct {
	limits Limits
	logger *zap.Logger

	sweepLimiter *rate.Limiter

	currentMemory atomic.Int64
}

// New creates a Guard. Call Sample periodically (or rely on AllowPoolGrowth
// to sample lazily) to keep currentMemory fresh.
func New(limits Limits, logger *zap.Logger) *Guard {
	return &Guard{
		limits:       limits,
		logger:       logger,
		sweepLimiter: rate.NewLimiter(limits.SweepRate, limits.SweepBurst),
	}
}

// Sample refreshes the guard's view of host memory in use (gopsutil's
// VirtualMemory().Used, system-wide, not this process's RSS). Cheap enough to
// call on every pool-growth decision; gopsutil reads /proc once per call.
func (g *Guard) Sample() {
	if vm, err := mem.VirtualMemory(); err == nil {
		g.currentMemory.Store(int64(vm.Used))
	}
}

// AllowPoolGrowth reports whether a power-of-two pool growth step may
// proceed. Refusal surfaces as ipcerr.ErrOutOfMemory to the caller, never
// silently shrinking the request.
func (g *Guard) AllowPoolGrowth() (ok bool, reason string) {
	g.Sample()
	used := g.currentMemory.Load()
	if used > g.limits.MemoryRejectBytes {
		g.logger.Warn("pool growth refused",
			zap.Int64("used_bytes", used),
			zap.Int64("limit_bytes", g.limits.MemoryRejectBytes))
		return false, "memory limit exceeded"
	}
	if n := runtime.NumGoroutine(); n > g.limits.MaxGoroutines {
		g.logger.Warn("pool growth refused", zap.Int("goroutines", n))
		return false, "goroutine limit exceeded"
	}
	return true, ""
}

// AllowSweep rate-limits the liveness cleanup sweep so a burst of dead
// nodes cannot monopolize the claimant that reaps them. It blocks until
// the limiter admits the caller or ctx is done.
func (g *Guard) AllowSweep(ctx context.Context) error {
	return g.sweepLimiter.Wait(ctx)
}

// TryAllowSweep is the non-blocking variant used on hot paths (e.g. a
// receive call that opportunistically checks for dead nodes).
func (g *Guard) TryAllowSweep() bool {
	return g.sweepLimiter.AllowN(time.Now(), 1)
}
