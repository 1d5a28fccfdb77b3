// Package dynstore implements component C: the dynamic configuration a
// Service carries once Ready — a bounded, lock-free set of participating
// NodeIds, and a bounded, lock-free table of port descriptors per role
// (publisher/subscriber/notifier/listener/client/server).
//
// Every slot transition here is a single compare-and-swap on a per-slot
// state word, generalized from src/sharded/shard.go's single-owner-goroutine
// idiom: that file gets to skip synchronization entirely because exactly
// one goroutine ever touches a shard's maps, so callers route commands to
// it over channels. A dynamic config has no such luxury — arbitrary
// processes open, register, and deregister concurrently — so the same
// "exactly one actor may act on this slot" guarantee is recovered with CAS
// instead of channel ownership: whichever caller wins the CAS on a slot's
// state word is the sole owner of that slot's transition, everyone else's
// attempt simply fails and moves to the next slot.
package dynstore

import (
	"sync/atomic"

	"shmipc/internal/ipcerr"
	"shmipc/internal/node"
)

const (
	slotEmpty uint32 = iota
	slotClaimed
	slotTombstone
	// slotReserved marks a slot a caller has won the CAS on but whose
	// payload (ids[i]) it has not yet published. Contains/Snapshot only
	// ever match slotClaimed, so a reserved slot is invisible to readers
	// until the owning Insert's atomic.Store publishes slotClaimed —
	// which happens-after the payload write, making the publication
	// linearizable instead of racing a reader against the payload write.
	slotReserved
)

// NodeSet is a bounded lock-free set of node.Id. The union of NodeSets
// across all Services a process has opened equals the set of currently
// alive Nodes plus yet-to-be-reaped dead ones, per spec.md invariant I2.
type NodeSet struct {
	state []atomic.Uint32
	ids   []node.Id
}

// NewNodeSet creates a NodeSet with room for capacity NodeIds.
func NewNodeSet(capacity int) *NodeSet {
	return &NodeSet{
		state: make([]atomic.Uint32, capacity),
		ids:   make([]node.Id, capacity),
	}
}

// Insert claims an empty (or tombstoned) slot for id. Returns
// ErrExceedsMaxNodes if the set is full. Idempotent: inserting an id
// already present is a no-op success.
func (s *NodeSet) Insert(id node.Id) error {
	if s.Contains(id) {
		return nil
	}
	for i := range s.state {
		if s.state[i].CompareAndSwap(slotEmpty, slotReserved) ||
			s.state[i].CompareAndSwap(slotTombstone, slotReserved) {
			s.ids[i] = id
			s.state[i].Store(slotClaimed)
			return nil
		}
	}
	return ipcerr.ErrExceedsMaxNodes
}

// Remove tombstones id's slot, if present. Idempotent.
func (s *NodeSet) Remove(id node.Id) {
	for i := range s.state {
		if s.state[i].Load() == slotClaimed && s.ids[i] == id {
			s.state[i].CompareAndSwap(slotClaimed, slotTombstone)
			return
		}
	}
}

// Contains reports whether id currently occupies a claimed slot.
func (s *NodeSet) Contains(id node.Id) bool {
	for i := range s.state {
		if s.state[i].Load() == slotClaimed && s.ids[i] == id {
			return true
		}
	}
	return false
}

// Snapshot returns every currently claimed NodeId, for the cleanup
// protocol's per-tick liveness sweep.
func (s *NodeSet) Snapshot() []node.Id {
	out := make([]node.Id, 0, len(s.ids))
	for i := range s.state {
		if s.state[i].Load() == slotClaimed {
			out = append(out, s.ids[i])
		}
	}
	return out
}
