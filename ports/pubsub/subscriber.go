package pubsub

import (
	"sync"
	"sync/atomic"

	"shmipc/internal/connection"
	"shmipc/internal/dynstore"
	"shmipc/internal/ipcerr"
	"shmipc/internal/shm"
)

// subscriberConn pairs one publisher's connection with the pool that
// chunks on it are allocated from, so Release/borrow accounting can reach
// the right reference count.
type subscriberConn struct {
	publisher dynstore.PortId
	conn      *connection.Connection
	pool      *shm.Pool
}

// Subscriber is one process's read side of a Publish-Subscribe service.
// It may be attached to several publishers at once; Receive drains them
// in round-robin order by attachment sequence, giving every attached
// publisher a fair share of service regardless of how fast any one of
// them produces (the Open Question this module resolves: §9 subscriber
// fairness policy is round-robin by connection registration order).
type Subscriber struct {
	mu    sync.Mutex
	conns []*subscriberConn

	next atomic.Uint64

	maxBorrowed uint64
	borrowed    atomic.Uint64
}

// NewSubscriber creates a Subscriber bounded by
// subscriber_max_borrowed_samples.
func NewSubscriber(maxBorrowedSamples uint64) *Subscriber {
	return &Subscriber{maxBorrowed: maxBorrowedSamples}
}

// Attach registers a publisher's connection, appended after any existing
// attachments, fixing its position in the round-robin order.
func (s *Subscriber) Attach(publisher dynstore.PortId, conn *connection.Connection, pool *shm.Pool) {
	s.mu.Lock()
	s.conns = append(s.conns, &subscriberConn{publisher: publisher, conn: conn, pool: pool})
	s.mu.Unlock()
}

// Detach removes a publisher's connection, e.g. once its owning Node is
// reaped by the cleanup protocol.
func (s *Subscriber) Detach(publisher dynstore.PortId) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, c := range s.conns {
		if c.publisher == publisher {
			s.conns = append(s.conns[:i], s.conns[i+1:]...)
			return
		}
	}
}

// Receive pops the next available offset from any attached publisher
// connection in round-robin order, yielding a borrowed sample. Returns
// ok=false if no connection currently has anything pending. Fails with
// ExceedsMaxBorrowedSamples if the subscriber already holds
// subscriber_max_borrowed_samples un-released samples, per spec.md B2.
func (s *Subscriber) Receive() (*BorrowedSample, bool, error) {
	if s.borrowed.Load() >= s.maxBorrowed {
		return nil, false, ipcerr.ErrExceedsMaxBorrowedSamples
	}

	s.mu.Lock()
	conns := append([]*subscriberConn(nil), s.conns...)
	s.mu.Unlock()

	n := len(conns)
	if n == 0 {
		return nil, false, nil
	}

	start := int(s.next.Add(1) % uint64(n))
	for i := 0; i < n; i++ {
		c := conns[(start+i)%n]
		po, ok := c.conn.TryReceive()
		if !ok {
			continue
		}
		s.borrowed.Add(1)
		return &BorrowedSample{
			Offset:     po,
			Payload:    c.pool.Payload(po),
			connection: c,
		}, true, nil
	}
	return nil, false, nil
}

// Release returns a borrowed sample, decrementing its chunk's reference
// count and enqueuing it on the owning publisher's return queue. The
// publisher's own ReclaimReleased frees the chunk once it observes the
// count has reached zero — only the publisher, as the pool's single
// writer, may do so.
func (s *Subscriber) Release(bs *BorrowedSample) error {
	s.borrowed.Add(^uint64(0))
	bs.connection.pool.RefCount(bs.Offset).Add(^uint64(0))
	return bs.connection.conn.Release(bs.Offset)
}
