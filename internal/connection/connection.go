// Package connection implements component D: the zero-copy connection
// between one producer and one consumer. Each connection is a pair of
// fixed-capacity SPSC ring buffers of shm.PointerOffset — a data queue
// running producer to consumer, and a return queue running consumer to
// producer for releasing chunks back to the producer's pool.
//
// Directly grounded on go-server/pkg/websocket/ring_buffer.go's lock-free
// ring buffer, narrowed from that file's multi-producer CAS-claim scheme
// to the single-producer invariant spec.md 5 requires (a single producer
// may plain-load-then-store its head index; no CAS race is possible), and
// with the teacher's copied-[]byte slot replaced by an in-place fixed-size
// PointerOffset record, so pushing a message never allocates.
package connection

import (
	"sync/atomic"

	"shmipc/internal/ipcerr"
	"shmipc/internal/shm"
)

// SendResult reports the outcome of TrySend.
type SendResult int

const (
	Sent SendResult = iota
	Overflowed
	Full
)

// ring is a single fixed-capacity SPSC ring of PointerOffset slots. head is
// owned exclusively by the producer, tail exclusively by the consumer;
// cross-goroutine visibility is established by the release/acquire
// ordering atomic.Load/Store already give on amd64/arm64, matching the
// teacher's choice of plain atomics over channels for this hot path.
type ring struct {
	capacity uint64

	head atomic.Uint64 // next write index, producer-owned
	tail atomic.Uint64 // next read index, consumer-owned

	slots []shm.PointerOffset
	valid []atomic.Bool // per-slot publication flag
}

func newRing(capacity uint64) *ring {
	return &ring{
		capacity: capacity,
		slots:    make([]shm.PointerOffset, capacity),
		valid:    make([]atomic.Bool, capacity),
	}
}

func (r *ring) push(po shm.PointerOffset) bool {
	head := r.head.Load()
	tail := r.tail.Load()
	if head-tail >= r.capacity {
		return false
	}
	slot := head % r.capacity
	r.slots[slot] = po
	r.valid[slot].Store(true)
	r.head.Store(head + 1)
	return true
}

func (r *ring) pop() (shm.PointerOffset, bool) {
	tail := r.tail.Load()
	head := r.head.Load()
	if tail >= head {
		return shm.PointerOffset{}, false
	}
	slot := tail % r.capacity
	if !r.valid[slot].Load() {
		// Producer claimed the slot's index but hasn't stored the value
		// yet; treat as empty rather than spin, matching try_receive's
		// non-blocking contract.
		return shm.PointerOffset{}, false
	}
	po := r.slots[slot]
	r.valid[slot].Store(false)
	r.tail.Store(tail + 1)
	return po, true
}

func (r *ring) size() uint64 {
	head := r.head.Load()
	tail := r.tail.Load()
	if head >= tail {
		return head - tail
	}
	return 0
}

// UnableToDeliverStrategy controls TrySend's behavior when a queue is full
// and enable_safe_overflow is false, per spec.md 4.D.
type UnableToDeliverStrategy int

const (
	DiscardSample UnableToDeliverStrategy = iota
	Block
)

// Connection is one producer/consumer pair's data queue plus return queue.
type Connection struct {
	dataQueue   *ring
	returnQueue *ring

	enableSafeOverflow bool
	strategy           UnableToDeliverStrategy
}

// Config bounds a Connection's capacities, derived from spec.md invariant
// I4: capacity = publisher_history_size + subscriber_buffer_size +
// subscriber_borrow_budget + publisher_loan_budget.
type Config struct {
	DataQueueCapacity   uint64
	ReturnQueueCapacity uint64
	EnableSafeOverflow  bool
	Strategy            UnableToDeliverStrategy
}

// New creates a Connection with the given capacities.
func New(cfg Config) *Connection {
	return &Connection{
		dataQueue:          newRing(cfg.DataQueueCapacity),
		returnQueue:        newRing(cfg.ReturnQueueCapacity),
		enableSafeOverflow: cfg.EnableSafeOverflow,
		strategy:           cfg.Strategy,
	}
}

// TrySend publishes po on the data queue. When the queue is full: if
// enable_safe_overflow is set, the oldest offset is popped and returned as
// Overflowed so the caller can release it back to its pool (spec.md
// property P5 — the dropped sample is always the oldest); otherwise Full is
// returned and the caller must follow UnableToDeliverStrategy itself
// (DiscardSample: drop; Block: retry, e.g. from ports/pubsub's send loop).
func (c *Connection) TrySend(po shm.PointerOffset) (SendResult, shm.PointerOffset) {
	if c.dataQueue.push(po) {
		return Sent, shm.PointerOffset{}
	}

	if c.enableSafeOverflow {
		if oldest, ok := c.dataQueue.pop(); ok {
			if c.dataQueue.push(po) {
				return Overflowed, oldest
			}
		}
	}

	return Full, shm.PointerOffset{}
}

// TryReceive pops the next offset from the data queue, or reports none
// available. Never blocks (spec.md non-goal: no blocking data-plane
// receive).
func (c *Connection) TryReceive() (shm.PointerOffset, bool) {
	return c.dataQueue.pop()
}

// Release enqueues po on the return queue so the producer can reclaim its
// chunk. Never blocks; if the return queue is momentarily full the release
// is dropped and ipcerr.ErrConnectionCorrupted is returned — this should
// only happen if ReturnQueueCapacity was undersized relative to I4.
func (c *Connection) Release(po shm.PointerOffset) error {
	if !c.returnQueue.push(po) {
		return ipcerr.ErrConnectionCorrupted
	}
	return nil
}

// TryReclaim pops the next offset the consumer has released, for the
// producer to free back to its pool.
func (c *Connection) TryReclaim() (shm.PointerOffset, bool) {
	return c.returnQueue.pop()
}

// DataQueueDepth reports the current occupancy of the data queue, for
// metrics.
func (c *Connection) DataQueueDepth() uint64 { return c.dataQueue.size() }
