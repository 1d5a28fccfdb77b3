package dynstore

import (
	"sync/atomic"

	"shmipc/internal/ipcerr"
	"shmipc/internal/node"
)

// Role identifies which of the six port kinds a descriptor belongs to.
type Role int

const (
	RolePublisher Role = iota
	RoleSubscriber
	RoleNotifier
	RoleListener
	RoleClient
	RoleServer
)

// PortId is a process-wide unique identifier for a port, scoped to the
// Node that created it. Per spec.md §6 port ids "compared by value;
// ordered lexicographically" — Compare gives dynamic-config slot table
// snapshots a deterministic iteration order.
type PortId struct {
	Owner   node.Id
	Ordinal uint64
}

// Compare orders PortIds lexicographically by (Owner.Pid, Owner.Counter,
// Ordinal), giving a total, deterministic order independent of slot-table
// placement.
func (p PortId) Compare(other PortId) int {
	switch {
	case p.Owner.Pid != other.Owner.Pid:
		return cmpUint32(p.Owner.Pid, other.Owner.Pid)
	case p.Owner.Counter != other.Owner.Counter:
		return cmpUint64(p.Owner.Counter, other.Owner.Counter)
	default:
		return cmpUint64(p.Ordinal, other.Ordinal)
	}
}

func cmpUint32(a, b uint32) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

func cmpUint64(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// PortDescriptor is one entry in a Service's dynamic config: a port's
// identity, owning Node, role, and (for receivers) the number of samples
// currently borrowed from it.
type PortDescriptor struct {
	Id      PortId
	Owner   node.Id
	Role    Role
	Borrowed atomic.Uint64
}

// PortTable is a bounded lock-free table of PortDescriptors for one role
// within one Service's dynamic config.
type PortTable struct {
	role  Role
	state []atomic.Uint32
	desc  []PortDescriptor
}

// NewPortTable creates a PortTable for role with room for capacity ports,
// the cap spec.md calls max_publishers/max_subscribers/etc per role.
func NewPortTable(role Role, capacity int) *PortTable {
	return &PortTable{
		role:  role,
		state: make([]atomic.Uint32, capacity),
		desc:  make([]PortDescriptor, capacity),
	}
}

// maxErrForRole returns the spec.md §7 exceeds-max error for this table's
// role, so callers get a role-specific sentinel rather than a generic one.
func (t *PortTable) maxErrForRole() error {
	switch t.role {
	case RolePublisher:
		return ipcerr.ErrExceedsMaxPublishers
	case RoleSubscriber:
		return ipcerr.ErrExceedsMaxSubscribers
	case RoleNotifier:
		return ipcerr.ErrExceedsMaxNotifiers
	case RoleListener:
		return ipcerr.ErrExceedsMaxListeners
	case RoleClient:
		return ipcerr.ErrExceedsMaxClients
	default:
		return ipcerr.ErrExceedsMaxServers
	}
}

// Register claims an empty (or tombstoned) slot for a new port owned by
// owner, with the caller-supplied ordinal as its PortId ordinal. Returns
// the role's exceeds-max error if the table is full.
func (t *PortTable) Register(owner node.Id, ordinal uint64) (PortId, error) {
	id := PortId{Owner: owner, Ordinal: ordinal}
	for i := range t.state {
		if t.state[i].CompareAndSwap(slotEmpty, slotReserved) ||
			t.state[i].CompareAndSwap(slotTombstone, slotReserved) {
			t.desc[i].Id = id
			t.desc[i].Owner = owner
			t.desc[i].Role = t.role
			t.desc[i].Borrowed.Store(0)
			t.state[i].Store(slotClaimed)
			return id, nil
		}
	}
	return PortId{}, t.maxErrForRole()
}

// Deregister tombstones the slot for id, if present. Idempotent — safe to
// call redundantly from both a graceful drop and a concurrent cleanup
// sweep that raced it.
func (t *PortTable) Deregister(id PortId) {
	for i := range t.state {
		if t.state[i].Load() == slotClaimed && t.desc[i].Id == id {
			t.state[i].CompareAndSwap(slotClaimed, slotTombstone)
			return
		}
	}
}

// DeregisterOwner tombstones every port currently owned by owner, for the
// cleanup protocol's orphan-port reclaim once owner's liveness token is
// observed Dead. Returns the PortIds removed, so a caller (e.g. a history
// ring or connection pool) can release their resources too.
func (t *PortTable) DeregisterOwner(owner node.Id) []PortId {
	var removed []PortId
	for i := range t.state {
		if t.state[i].Load() == slotClaimed && t.desc[i].Owner == owner {
			if t.state[i].CompareAndSwap(slotClaimed, slotTombstone) {
				removed = append(removed, t.desc[i].Id)
			}
		}
	}
	return removed
}

// Borrowed returns the descriptor's current borrow count, or false if id
// is not present (e.g. already deregistered).
func (t *PortTable) Borrowed(id PortId) (*atomic.Uint64, bool) {
	for i := range t.state {
		if t.state[i].Load() == slotClaimed && t.desc[i].Id == id {
			return &t.desc[i].Borrowed, true
		}
	}
	return nil, false
}

// Snapshot returns every currently registered PortDescriptor, ordered by
// PortId for deterministic iteration. Descriptors are returned by pointer
// into the table's
// backing array — PortDescriptor embeds an atomic.Uint64, which must never
// be copied by value (go vet copylocks).
func (t *PortTable) Snapshot() []*PortDescriptor {
	out := make([]*PortDescriptor, 0, len(t.desc))
	for i := range t.state {
		if t.state[i].Load() == slotClaimed {
			out = append(out, &t.desc[i])
		}
	}
	for i := 1; i < len(out); i++ {
		for j := i; j > 0 && out[j].Id.Compare(out[j-1].Id) < 0; j-- {
			out[j], out[j-1] = out[j-1], out[j]
		}
	}
	return out
}

// Count reports how many slots are currently claimed.
func (t *PortTable) Count() int {
	n := 0
	for i := range t.state {
		if t.state[i].Load() == slotClaimed {
			n++
		}
	}
	return n
}
