package node

import (
	"sync"

	"shmipc/internal/resguard"
)

// reaping tracks, per dead NodeId, whether some participant has already
// claimed cleanup responsibility. A sync.Map of *atomic.Bool would work
// too, but Go entries here are rare (one per ever-seen dead node) and a
// mutex-guarded map keeps the CAS itself trivial to read.
type reaping struct {
	mu      sync.Mutex
	claimed map[Id]bool
}

// Sweeper runs the cleanup protocol: for each NodeId registered against a
// dynamic config, test its liveness token, and for Dead nodes run a
// caller-supplied cleanup exactly once across however many participants
// observe the same dead node concurrently.
//
// Grounded on src/resource_guard.go's guarded-resource-state idiom,
// generalized from single-process atomics to a cross-process compare-and-
// swap: the "claim" here is process-local (each process only dedupes
// against its own concurrent observers), while spec.md's cross-process
// "at most once" guarantee for the actual RemovePort/SkipPort side effect
// comes from that callback itself being idempotent, per spec.md 4.F.
type Sweeper struct {
	prefixDir string
	guard     *resguard.Guard
	r         reaping
}

// NewSweeper creates a Sweeper bounded by guard's sweep rate limiter, so a
// storm of simultaneously-dead nodes cannot monopolize a single reaper.
func NewSweeper(prefixDir string, guard *resguard.Guard) *Sweeper {
	return &Sweeper{
		prefixDir: prefixDir,
		guard:     guard,
		r:         reaping{claimed: make(map[Id]bool)},
	}
}

// claim returns true if this call is the one that should run cleanup for
// id; subsequent calls for the same id return false until unclaim is
// called (Sweep does so once the token is observed DoesNotExist, meaning a
// stale pid was fully cycled out).
func (r *reaping) claim(id Id) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.claimed[id] {
		return false
	}
	r.claimed[id] = true
	return true
}

func (r *reaping) unclaim(id Id) {
	r.mu.Lock()
	delete(r.claimed, id)
	r.mu.Unlock()
}

// Cleanup is invoked once per Dead node claimed by a Sweep, with that
// node's Id; reclaiming the node's orphaned ports is the callback's job.
// Per spec.md 4.F it must be idempotent.
type Cleanup func(owner Id)

// Sweep iterates candidates (typically every NodeId a dynamic config
// currently lists), testing each one's liveness token. Dead nodes not
// already claimed by a concurrent sweep on this process run cleanup once;
// DoesNotExist nodes clear any stale claim so a future reuse of that pid
// starts fresh.
func (s *Sweeper) Sweep(candidates []Id, cleanup Cleanup) error {
	if !s.guard.TryAllowSweep() {
		return nil
	}
	for _, id := range candidates {
		state, err := Query(s.prefixDir, id)
		if err != nil {
			return err
		}
		switch state {
		case Dead:
			if s.r.claim(id) {
				cleanup(id)
			}
		case DoesNotExist:
			s.r.unclaim(id)
		}
	}
	return nil
}
