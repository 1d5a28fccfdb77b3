package dynstore

import (
	"errors"
	"testing"

	"shmipc/internal/ipcerr"
	"shmipc/internal/node"
)

func TestNodeSetInsertContainsRemove(t *testing.T) {
	s := NewNodeSet(2)
	id := node.Id{Pid: 1, Counter: 1}

	if err := s.Insert(id); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	if !s.Contains(id) {
		t.Fatal("expected id present")
	}
	// Idempotent re-insert.
	if err := s.Insert(id); err != nil {
		t.Fatalf("Insert (dup): %v", err)
	}

	s.Remove(id)
	if s.Contains(id) {
		t.Fatal("expected id removed")
	}
}

func TestNodeSetExceedsCapacity(t *testing.T) {
	s := NewNodeSet(1)
	if err := s.Insert(node.Id{Pid: 1, Counter: 1}); err != nil {
		t.Fatalf("Insert: %v", err)
	}
	err := s.Insert(node.Id{Pid: 2, Counter: 1})
	if !errors.Is(err, ipcerr.ErrExceedsMaxNodes) {
		t.Fatalf("got %v, want ErrExceedsMaxNodes", err)
	}
}

func TestNodeSetReusesTombstonedSlot(t *testing.T) {
	s := NewNodeSet(1)
	a := node.Id{Pid: 1, Counter: 1}
	b := node.Id{Pid: 2, Counter: 1}

	if err := s.Insert(a); err != nil {
		t.Fatalf("Insert a: %v", err)
	}
	s.Remove(a)
	if err := s.Insert(b); err != nil {
		t.Fatalf("Insert b into freed slot: %v", err)
	}
	if !s.Contains(b) {
		t.Fatal("expected b present")
	}
}

func TestPortTableRegisterDeregister(t *testing.T) {
	tbl := NewPortTable(RolePublisher, 2)
	owner := node.Id{Pid: 9, Counter: 1}

	id1, err := tbl.Register(owner, 1)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if _, err := tbl.Register(owner, 2); err != nil {
		t.Fatalf("Register 2nd: %v", err)
	}
	if _, err := tbl.Register(owner, 3); !errors.Is(err, ipcerr.ErrExceedsMaxPublishers) {
		t.Fatalf("got %v, want ErrExceedsMaxPublishers", err)
	}

	tbl.Deregister(id1)
	if tbl.Count() != 1 {
		t.Fatalf("count = %d, want 1", tbl.Count())
	}
}

func TestPortTableDeregisterOwnerRemovesAll(t *testing.T) {
	tbl := NewPortTable(RoleSubscriber, 4)
	owner := node.Id{Pid: 3, Counter: 7}
	other := node.Id{Pid: 4, Counter: 1}

	idA, _ := tbl.Register(owner, 1)
	idB, _ := tbl.Register(owner, 2)
	idC, _ := tbl.Register(other, 1)

	removed := tbl.DeregisterOwner(owner)
	if len(removed) != 2 {
		t.Fatalf("removed %d ports, want 2", len(removed))
	}
	for _, id := range removed {
		if id != idA && id != idB {
			t.Fatalf("unexpected removed id %+v", id)
		}
	}
	if _, ok := tbl.Borrowed(idC); !ok {
		t.Fatal("expected other owner's port to survive")
	}
}

func TestPortIdCompareOrdersByOwnerThenOrdinal(t *testing.T) {
	a := PortId{Owner: node.Id{Pid: 1, Counter: 1}, Ordinal: 5}
	b := PortId{Owner: node.Id{Pid: 1, Counter: 1}, Ordinal: 6}
	c := PortId{Owner: node.Id{Pid: 2, Counter: 1}, Ordinal: 0}

	if a.Compare(b) >= 0 {
		t.Fatal("expected a < b")
	}
	if b.Compare(c) >= 0 {
		t.Fatal("expected b < c")
	}
	if a.Compare(a) != 0 {
		t.Fatal("expected a == a")
	}
}

func TestPortTableSnapshotOrdered(t *testing.T) {
	tbl := NewPortTable(RoleListener, 4)
	o3 := node.Id{Pid: 3, Counter: 1}
	o1 := node.Id{Pid: 1, Counter: 1}

	tbl.Register(o3, 1)
	tbl.Register(o1, 1)
	tbl.Register(o1, 2)

	snap := tbl.Snapshot()
	for i := 1; i < len(snap); i++ {
		if snap[i-1].Id.Compare(snap[i].Id) > 0 {
			t.Fatalf("snapshot not ordered: %+v", snap)
		}
	}
}
