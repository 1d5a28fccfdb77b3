// Package node implements component F: the process-local participation
// handle that owns ports and a liveness token, plus the cleanup protocol
// surviving participants run against dead nodes' registrations.
//
// A NodeId pairs the OS process id with a monotonic per-process counter so
// a reused pid can never alias a node from a previous incarnation of that
// pid, per spec.md 3's NodeId definition.
//
// The liveness token is grounded on src/resource_guard.go's style of
// wrapping a small piece of OS-observable state (there: CPU/memory samples)
// behind a guarded Go type with explicit Alive/Dead-style checks; here the
// OS-observable state is an flock'd regular file under the domain prefix,
// whose three externally queryable states (Alive/Dead/DoesNotExist) the
// kernel gives us for free: held locks are released automatically on any
// process exit, graceful or not.
package node

import (
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"

	"golang.org/x/sys/unix"

	"shmipc/internal/ipcerr"
)

var counter atomic.Uint64

// Id is the process-wide unique identifier of a Node: a process id plus a
// monotonic counter, so stale ids from a previous process with the same
// pid never alias a live node.
type Id struct {
	Pid     uint32
	Counter uint64
}

// NewId allocates a fresh Id scoped to the current process.
func NewId() Id {
	return Id{Pid: uint32(os.Getpid()), Counter: counter.Add(1)}
}

// String renders an Id as "<pid>-<counter>", used for the liveness token's
// file name.
func (id Id) String() string { return fmt.Sprintf("%d-%d", id.Pid, id.Counter) }

// State is the externally observable liveness of a Node's token.
type State int

const (
	// DoesNotExist means the token file is absent: either the node never
	// existed under this prefix, or it tore down gracefully.
	DoesNotExist State = iota
	// Alive means the token's flock is currently held by its owning
	// process.
	Alive
	// Dead means the token file exists but nothing holds its flock: the
	// owning process exited without removing it.
	Dead
)

func (s State) String() string {
	switch s {
	case Alive:
		return "Alive"
	case Dead:
		return "Dead"
	default:
		return "DoesNotExist"
	}
}

func tokenPath(prefixDir string, id Id) string {
	return filepath.Join(prefixDir, "nodes", id.String()+".lock")
}

// Token is a held liveness token for a Node running in this process. While
// held, Query from any process (including this one) observes Alive. The
// kernel releases the underlying flock on process exit regardless of
// whether Close was ever called, so ungraceful exit surfaces as Dead
// without any external intervention.
type Token struct {
	Id   Id
	path string
	file *os.File
}

// Acquire creates and locks a liveness token for id under prefixDir. The
// containing "nodes" directory is created if needed.
func Acquire(prefixDir string, id Id) (*Token, error) {
	dir := filepath.Join(prefixDir, "nodes")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir nodes dir: %v", ipcerr.ErrInternal, err)
	}

	path := tokenPath(prefixDir, id)
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("%w: open liveness token %q: %v", ipcerr.ErrInternal, path, err)
	}
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: flock liveness token %q: %v", ipcerr.ErrInternal, path, err)
	}
	return &Token{Id: id, path: path, file: f}, nil
}

// Close releases the token and removes its backing file, transitioning the
// node to DoesNotExist. This is the only path that reaches DoesNotExist
// directly; an ungraceful exit leaves the file behind in the Dead state.
// The cleanup sweep (Sweeper.Sweep) does not remove token files.
func (t *Token) Close() error {
	if err := unix.Flock(int(t.file.Fd()), unix.LOCK_UN); err != nil {
		t.file.Close()
		return fmt.Errorf("%w: unflock liveness token: %v", ipcerr.ErrInternal, err)
	}
	if err := t.file.Close(); err != nil {
		return fmt.Errorf("%w: close liveness token: %v", ipcerr.ErrInternal, err)
	}
	if err := os.Remove(t.path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("%w: remove liveness token: %v", ipcerr.ErrInternal, err)
	}
	return nil
}

// Query tests the liveness state of id's token under prefixDir from any
// process, including one other than the token's owner.
func Query(prefixDir string, id Id) (State, error) {
	path := tokenPath(prefixDir, id)
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return DoesNotExist, nil
		}
		return DoesNotExist, fmt.Errorf("%w: open liveness token %q: %v", ipcerr.ErrInternal, path, err)
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if err == unix.EWOULDBLOCK {
			return Alive, nil
		}
		return DoesNotExist, fmt.Errorf("%w: flock probe %q: %v", ipcerr.ErrInternal, path, err)
	}
	// We acquired the lock ourselves, meaning nobody held it: the owner is
	// gone. Release immediately; we are not adopting the token.
	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return Dead, nil
}

// ListNodes enumerates the Ids of every token file currently present under
// prefixDir, regardless of liveness state.
func ListNodes(prefixDir string) ([]Id, error) {
	dir := filepath.Join(prefixDir, "nodes")
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: read nodes dir: %v", ipcerr.ErrInternal, err)
	}

	ids := make([]Id, 0, len(entries))
	for _, e := range entries {
		var pid uint32
		var ctr uint64
		name := e.Name()
		const suffix = ".lock"
		if len(name) <= len(suffix) || name[len(name)-len(suffix):] != suffix {
			continue
		}
		if _, err := fmt.Sscanf(name[:len(name)-len(suffix)], "%d-%d", &pid, &ctr); err != nil {
			continue
		}
		ids = append(ids, Id{Pid: pid, Counter: ctr})
	}
	return ids, nil
}
