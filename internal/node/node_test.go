package node

import (
	"testing"

	"go.uber.org/zap"

	"shmipc/internal/resguard"
)

func TestAcquireQueryClose(t *testing.T) {
	dir := t.TempDir()
	id := NewId()

	state, err := Query(dir, id)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if state != DoesNotExist {
		t.Fatalf("got %v, want DoesNotExist", state)
	}

	tok, err := Acquire(dir, id)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}

	state, err = Query(dir, id)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if state != Alive {
		t.Fatalf("got %v, want Alive", state)
	}

	if err := tok.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	state, err = Query(dir, id)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if state != DoesNotExist {
		t.Fatalf("got %v, want DoesNotExist after Close", state)
	}
}

func TestQueryObservesDeadAfterUngracefulRelease(t *testing.T) {
	dir := t.TempDir()
	id := NewId()

	tok, err := Acquire(dir, id)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	// Simulate ungraceful exit: release the flock without removing the
	// token file, the way an unclean process death would.
	if err := tok.file.Close(); err != nil {
		t.Fatalf("close underlying file: %v", err)
	}

	state, err := Query(dir, id)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if state != Dead {
		t.Fatalf("got %v, want Dead", state)
	}
}

func TestListNodesEnumeratesTokens(t *testing.T) {
	dir := t.TempDir()
	id1, id2 := NewId(), NewId()

	tok1, err := Acquire(dir, id1)
	if err != nil {
		t.Fatalf("Acquire id1: %v", err)
	}
	defer tok1.Close()
	tok2, err := Acquire(dir, id2)
	if err != nil {
		t.Fatalf("Acquire id2: %v", err)
	}
	defer tok2.Close()

	ids, err := ListNodes(dir)
	if err != nil {
		t.Fatalf("ListNodes: %v", err)
	}
	seen := map[Id]bool{}
	for _, id := range ids {
		seen[id] = true
	}
	if !seen[id1] || !seen[id2] {
		t.Fatalf("got %v, want both %v and %v", ids, id1, id2)
	}
}

func TestSweepClaimsDeadNodeOnce(t *testing.T) {
	dir := t.TempDir()
	id := NewId()

	tok, err := Acquire(dir, id)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if err := tok.file.Close(); err != nil {
		t.Fatalf("close underlying file: %v", err)
	}

	logger := zap.NewNop()
	guard := resguard.New(resguard.DefaultLimits(), logger)
	sweeper := NewSweeper(dir, guard)

	calls := 0
	cleanup := func(owner Id) { calls++ }

	if err := sweeper.Sweep([]Id{id}, cleanup); err != nil {
		t.Fatalf("Sweep 1: %v", err)
	}
	if err := sweeper.Sweep([]Id{id}, cleanup); err != nil {
		t.Fatalf("Sweep 2: %v", err)
	}
	if calls != 1 {
		t.Fatalf("cleanup called %d times, want exactly 1", calls)
	}
}
