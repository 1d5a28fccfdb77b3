package shm

import (
	"encoding/binary"
	"errors"
	"fmt"
	"sync/atomic"
	"time"
	"unsafe"

	"shmipc/internal/ipcerr"
)

// controlWordSize is the fixed prefix reserved at the start of every chunk
// for allocator bookkeeping: a free-list "next" index while the chunk is
// free, or an atomic reference count (invariant I3) once allocated. It is
// never part of the TypeDetail-derived header/user-header/payload layout
// a caller writes into.
const controlWordSize = 8

// Guard is consulted before a power-of-two growth step; nil means always
// allow (used by tests and by pools that don't need admission control).
type Guard interface {
	AllowPoolGrowth() (ok bool, reason string)
}

// Pool is a bucketed, single-writer pool allocator over one or more
// segment generations. Generation 0 is created with the publisher's
// initial_max_slice_len-derived chunk size; later generations are created
// on demand, each with double the chunk size of the last, per spec.md
// 4.A's power-of-two growth strategy for slice payloads.
//
// Pool allocation is exclusive to the owning publisher goroutine (spec.md
// 5), so Allocate/Deallocate need no internal locking; only the chunk's
// reference count (read by receivers) is atomic.
type Pool struct {
	prefixDir string
	name      string
	maxChunks uint64
	guard     Guard

	generations []*Segment
}

// OpenPool creates generation 0 of a pool, or resumes it if a segment of
// the same name already exists Ready (a restarted publisher reclaiming its
// own prior segment), and returns a Pool ready to allocate chunkSize
// chunks.
func OpenPool(prefixDir, name string, chunkSize, maxChunks uint64, guard Guard) (*Pool, error) {
	gen0Name := fmt.Sprintf("%s.g0", name)

	seg, err := Create(prefixDir, gen0Name, controlWordSize+chunkSize, maxChunks, nil)
	if err != nil {
		if errors.Is(err, ipcerr.ErrAlreadyExists) {
			seg, err = Open(prefixDir, gen0Name, 2*time.Second)
		}
		if err != nil {
			return nil, err
		}
	}

	return &Pool{
		prefixDir:   prefixDir,
		name:        name,
		maxChunks:   maxChunks,
		guard:       guard,
		generations: []*Segment{seg},
	}, nil
}

// AttachPool opens generation 0 of a publisher's pool for a receiver
// (subscriber/server) that only ever reads chunks and releases offsets,
// never allocates. Later generations are not opened here; they are opened
// lazily by AttachGeneration.
func AttachPool(prefixDir, name string, timeout time.Duration) (*Pool, error) {
	seg, err := Open(prefixDir, fmt.Sprintf("%s.g0", name), timeout)
	if err != nil {
		return nil, err
	}
	return &Pool{
		prefixDir:   prefixDir,
		name:        name,
		generations: []*Segment{seg},
	}, nil
}

// AttachGeneration lazily opens a later generation segment id a receiver
// has not seen before (segmentId is 1-based, matching PointerOffset).
func (p *Pool) AttachGeneration(segmentId uint32, timeout time.Duration) error {
	for uint32(len(p.generations)) < segmentId {
		genName := fmt.Sprintf("%s.g%d", p.name, len(p.generations))
		seg, err := Open(p.prefixDir, genName, timeout)
		if err != nil {
			return err
		}
		p.generations = append(p.generations, seg)
	}
	return nil
}

// Allocate reserves a chunk able to hold size bytes of TypeDetail-derived
// payload (header+user-header+payload), growing to a new generation if
// size exceeds the current generation's capacity. Returns the chunk's
// PointerOffset and a byte slice over its writable region (control word
// excluded).
func (p *Pool) Allocate(size uint64) (PointerOffset, []byte, error) {
	gen := p.generations[len(p.generations)-1]
	if size > gen.ChunkSize()-controlWordSize {
		if err := p.grow(size); err != nil {
			return PointerOffset{}, nil, err
		}
		gen = p.generations[len(p.generations)-1]
	}

	off, ok := p.allocateFrom(gen)
	if !ok {
		return PointerOffset{}, nil, fmt.Errorf("pool %q: %w", p.name, ipcerr.ErrSegmentFull)
	}

	po := PointerOffset{SegmentId: uint32(len(p.generations)), Offset: off}
	return po, p.payload(gen, off), nil
}

// grow creates a new generation with double the previous generation's
// chunk size (or just large enough for size, whichever is bigger).
func (p *Pool) grow(size uint64) error {
	if p.guard != nil {
		if ok, reason := p.guard.AllowPoolGrowth(); !ok {
			return fmt.Errorf("pool %q growth refused (%s): %w", p.name, reason, ipcerr.ErrOutOfMemory)
		}
	}

	prev := p.generations[len(p.generations)-1]
	newChunkSize := (prev.ChunkSize() - controlWordSize) * 2
	if newChunkSize < size {
		newChunkSize = size
	}

	genName := fmt.Sprintf("%s.g%d", p.name, len(p.generations))
	seg, err := Create(p.prefixDir, genName, controlWordSize+newChunkSize, p.maxChunks, nil)
	if err != nil {
		return err
	}
	p.generations = append(p.generations, seg)
	return nil
}

func (p *Pool) allocateFrom(seg *Segment) (uint64, bool) {
	h := seg.hdr

	if head := atomic.LoadUint64(h.freeHead()); head != 0 {
		idx := head - 1
		off := idx * seg.ChunkSize()
		next := binary.LittleEndian.Uint64(seg.Bytes(off, controlWordSize))
		atomic.StoreUint64(h.freeHead(), next)
		atomic.StoreUint64((*uint64)(seg.controlPtr(off)), 0)
		return off, true
	}

	count := atomic.LoadUint64(h.chunkCount())
	if count >= seg.MaxChunks() {
		return 0, false
	}
	atomic.StoreUint64(h.chunkCount(), count+1)
	off := count * seg.ChunkSize()
	atomic.StoreUint64((*uint64)(seg.controlPtr(off)), 0)
	return off, true
}

// Deallocate returns a chunk to its generation's free list. Callers must
// ensure the chunk's reference count is already 0 (invariant I3); Pool
// does not re-check it, mirroring the publisher-exclusive ownership model.
func (p *Pool) Deallocate(po PointerOffset) {
	gen := p.generationFor(po)
	h := gen.hdr

	idx := po.Offset / gen.ChunkSize()
	head := atomic.LoadUint64(h.freeHead())
	binary.LittleEndian.PutUint64(gen.Bytes(po.Offset, controlWordSize), head)
	atomic.StoreUint64(h.freeHead(), idx+1)
}

// RefCount returns a pointer to the atomic reference count word of the
// chunk at po, for callers implementing borrow/release (ports/pubsub,
// ports/reqres).
func (p *Pool) RefCount(po PointerOffset) *atomic.Uint64 {
	gen := p.generationFor(po)
	return (*atomic.Uint64)(gen.controlPtr(po.Offset))
}

// Payload returns the writable byte slice for the chunk at po, beyond the
// allocator's control word.
func (p *Pool) Payload(po PointerOffset) []byte {
	gen := p.generationFor(po)
	return p.payload(gen, po.Offset)
}

func (p *Pool) payload(seg *Segment, off uint64) []byte {
	return seg.Bytes(off+controlWordSize, seg.ChunkSize()-controlWordSize)
}

func (p *Pool) generationFor(po PointerOffset) *Segment {
	return p.generations[po.SegmentId-1]
}

// Close unmaps all generations without removing their backing files.
func (p *Pool) Close() error {
	var firstErr error
	for _, g := range p.generations {
		if err := g.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// controlPtr returns a pointer to the control word of the chunk at off.
func (s *Segment) controlPtr(off uint64) unsafe.Pointer {
	return unsafe.Pointer(&s.data[headerSize+off])
}
