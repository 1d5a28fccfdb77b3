// Package shm implements component A: named, relocatable shared-memory
// segments and the bucketed pool allocator built on top of them. Every
// cross-process reference into a segment is a byte offset from the
// segment's base address (never an absolute pointer), so the same chunk
// may be mapped at different virtual addresses in different processes.
//
// Segments are backed by regular files under the domain prefix directory
// (conventionally on tmpfs, e.g. /dev/shm/<prefix>/segments/<name>), mmap'd
// with MAP_SHARED. This gives the same "named, relocatable, shared byte
// region with open/create/remove" capability spec.md 6 asks an external
// portability layer for, grounded in the teacher's raw-syscall comfort in
// go-server/pkg/websocket/netpoll.go.
package shm

import (
	"encoding/binary"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"shmipc/internal/ipcerr"
)

// Initialization states for the segment header, per spec.md 4.A.
const (
	StateUninitialized uint32 = iota
	StateInitializing
	StateReady
)

const (
	magic         uint64 = 0x53484d49504334 // "SHMIPC4"
	headerVersion uint64 = 1

	// headerSize reserves a fixed region at the base of every segment for
	// bookkeeping; the chunk/free-list area starts immediately after it.
	headerSize = 64
)

// header is the fixed-layout bookkeeping block written at offset 0 of
// every segment. Fields are accessed through the mmap'd byte slice via
// encoding/binary so the layout is byte-stable regardless of host
// endianness assumptions baked into a Go struct's memory layout.
type header struct {
	data []byte // headerSize bytes, aliases the segment's mapping
}

func (h header) magic() uint64     { return binary.LittleEndian.Uint64(h.data[0:8]) }
func (h header) version() uint64   { return binary.LittleEndian.Uint64(h.data[8:16]) }
func (h header) chunkSize() uint64 { return binary.LittleEndian.Uint64(h.data[16:24]) }
func (h header) maxChunks() uint64 { return binary.LittleEndian.Uint64(h.data[24:32]) }

func (h header) setMagic(v uint64)     { binary.LittleEndian.PutUint64(h.data[0:8], v) }
func (h header) setVersion(v uint64)   { binary.LittleEndian.PutUint64(h.data[8:16], v) }
func (h header) setChunkSize(v uint64) { binary.LittleEndian.PutUint64(h.data[16:24], v) }
func (h header) setMaxChunks(v uint64) { binary.LittleEndian.PutUint64(h.data[24:32], v) }

func (h header) state() *uint32 {
	return (*uint32)(unsafe.Pointer(&h.data[32]))
}

// chunkCount (next never-allocated index) and freeHead (1-based free-list
// head, 0 meaning empty) live in the bump/free-list bookkeeping area,
// mutated only by the single owning (producer) goroutine per 5's
// "pool allocation is per-publisher, so needs no locking".
func (h header) chunkCount() *uint64 { return (*uint64)(unsafe.Pointer(&h.data[40])) }
func (h header) freeHead() *uint64   { return (*uint64)(unsafe.Pointer(&h.data[48])) }

// Segment is one named, mmap'd shared-memory region.
type Segment struct {
	Name string
	Id   uint32

	file *os.File
	data []byte
	hdr  header
}

// segmentPath resolves the backing file for a named segment under prefix.
func segmentPath(prefixDir, name string) string {
	return filepath.Join(prefixDir, "segments", name)
}

// Create creates a new named segment sized for maxChunks entries of
// chunkSize bytes plus the fixed header. initFn, if non-nil, runs while
// the segment is still in StateInitializing, and can be used by a caller
// that wants to seed per-pattern bookkeeping before other processes may
// observe StateReady.
func Create(prefixDir, name string, chunkSize, maxChunks uint64, initFn func(*Segment)) (*Segment, error) {
	path := segmentPath(prefixDir, name)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("%w: mkdir segment dir: %v", ipcerr.ErrInternal, err)
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return nil, fmt.Errorf("%w: segment %q", ipcerr.ErrAlreadyExists, name)
		}
		return nil, fmt.Errorf("%w: open segment: %v", ipcerr.ErrInternal, err)
	}

	size := int64(headerSize + chunkSize*maxChunks)
	if err := f.Truncate(size); err != nil {
		f.Close()
		os.Remove(path)
		return nil, fmt.Errorf("%w: truncate segment: %v", ipcerr.ErrInternal, err)
	}

	seg, err := mapSegment(f, int(size), name)
	if err != nil {
		f.Close()
		os.Remove(path)
		return nil, err
	}

	h := seg.hdr
	atomic.StoreUint32(h.state(), StateInitializing)
	h.setMagic(magic)
	h.setVersion(headerVersion)
	h.setChunkSize(chunkSize)
	h.setMaxChunks(maxChunks)
	atomic.StoreUint64(h.chunkCount(), 0)
	atomic.StoreUint64(h.freeHead(), 0)

	if initFn != nil {
		initFn(seg)
	}

	atomic.StoreUint32(h.state(), StateReady)
	return seg, nil
}

// Open opens an existing named segment, waiting up to timeout for it to
// reach StateReady. If the segment never finalizes within timeout, Open
// fails with ipcerr.ErrInitializationNotYetFinalized (spec.md 4.A).
func Open(prefixDir, name string, timeout time.Duration) (*Segment, error) {
	path := segmentPath(prefixDir, name)

	deadline := time.Now().Add(timeout)
	var f *os.File
	var err error
	for {
		f, err = os.OpenFile(path, os.O_RDWR, 0o644)
		if err == nil {
			break
		}
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: open segment %q: %v", ipcerr.ErrInternal, name, err)
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("segment %q: %w", name, ipcerr.ErrInitializationNotYetFinalized)
		}
		time.Sleep(time.Millisecond)
	}

	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("%w: stat segment: %v", ipcerr.ErrInternal, err)
	}

	seg, err := mapSegment(f, int(fi.Size()), name)
	if err != nil {
		f.Close()
		return nil, err
	}

	h := seg.hdr
	for {
		state := atomic.LoadUint32(h.state())
		if state == StateReady {
			break
		}
		if time.Now().After(deadline) {
			seg.Close()
			return nil, fmt.Errorf("segment %q: %w", name, ipcerr.ErrInitializationNotYetFinalized)
		}
		time.Sleep(time.Millisecond)
	}

	if h.magic() != magic || h.version() != headerVersion {
		seg.Close()
		return nil, fmt.Errorf("segment %q: %w: layout version mismatch", name, ipcerr.ErrInternal)
	}

	return seg, nil
}

func mapSegment(f *os.File, size int, name string) (*Segment, error) {
	data, err := unix.Mmap(int(f.Fd()), 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("%w: mmap segment: %v", ipcerr.ErrInternal, err)
	}
	return &Segment{
		Name: name,
		file: f,
		data: data,
		hdr:  header{data: data[:headerSize]},
	}, nil
}

// ChunkSize reports the fixed chunk size this segment was created with.
func (s *Segment) ChunkSize() uint64 { return s.hdr.chunkSize() }

// MaxChunks reports the segment's fixed chunk capacity.
func (s *Segment) MaxChunks() uint64 { return s.hdr.maxChunks() }

// Translate converts a byte offset (relative to this segment's data area,
// i.e. excluding the header) into a pointer valid in this process's
// address space.
func (s *Segment) Translate(offset uint64) unsafe.Pointer {
	return unsafe.Pointer(&s.data[headerSize+offset])
}

// Bytes returns the raw backing bytes at offset for length n, for reading
// or writing chunk payloads without unsafe pointer arithmetic at call
// sites.
func (s *Segment) Bytes(offset, n uint64) []byte {
	start := headerSize + offset
	return s.data[start : start+n]
}

// Close unmaps and closes the segment's file descriptor without removing
// the backing file (other processes may still hold it open).
func (s *Segment) Close() error {
	if s.data != nil {
		unix.Munmap(s.data)
		s.data = nil
	}
	return s.file.Close()
}

// Remove unlinks the segment's backing file. Callers must ensure they are
// the last participant per spec.md 3's dynamic-storage lifecycle before
// calling this.
func Remove(prefixDir, name string) error {
	return os.Remove(segmentPath(prefixDir, name))
}
