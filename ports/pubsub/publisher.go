package pubsub

import (
	"sync"
	"time"

	"shmipc/internal/connection"
	"shmipc/internal/dynstore"
	"shmipc/internal/ipcerr"
	"shmipc/internal/shm"
)

// Publisher is one process's write side of a Publish-Subscribe service.
// It owns a pool allocator and one connection per currently-attached
// subscriber; Send fans a sample's offset out to every connection and,
// if configured, records it in a history ring for late joiners.
type Publisher struct {
	pool *shm.Pool

	history      *historyRing
	maxLoaned    uint64
	loaned       uint64
	loanedMu     sync.Mutex
	strategy     connection.UnableToDeliverStrategy

	mu    sync.RWMutex
	conns map[dynstore.PortId]*connection.Connection
}

// NewPublisher creates a Publisher over pool. historySize of 0 disables
// history (late joiners get nothing to catch up on).
func NewPublisher(pool *shm.Pool, maxLoanedSamples uint64, historySize int, strategy connection.UnableToDeliverStrategy) *Publisher {
	return &Publisher{
		pool:      pool,
		history:   newHistoryRing(historySize),
		maxLoaned: maxLoanedSamples,
		strategy:  strategy,
		conns:     make(map[dynstore.PortId]*connection.Connection),
	}
}

// Attach registers a newly-connected subscriber's connection, so future
// Send calls reach it, and replays up to min(history_size,
// subscriberMaxBufferSize) of the most recently published offsets onto it
// immediately, per spec.md's late-joiner history replay. Each replayed
// offset gets its own reference count, exactly as a live Send would.
func (p *Publisher) Attach(subscriber dynstore.PortId, conn *connection.Connection, subscriberMaxBufferSize int) {
	p.mu.Lock()
	p.conns[subscriber] = conn
	p.mu.Unlock()

	for _, offset := range p.history.snapshot(subscriberMaxBufferSize) {
		res, dropped := conn.TrySend(offset)
		switch res {
		case connection.Sent:
			p.pool.RefCount(offset).Add(1)
		case connection.Overflowed:
			p.pool.RefCount(offset).Add(1)
			p.releaseRef(dropped)
		case connection.Full:
			return
		}
	}
}

// Detach removes a subscriber's connection, e.g. once the cleanup
// protocol observes its owning Node as Dead.
func (p *Publisher) Detach(subscriber dynstore.PortId) {
	p.mu.Lock()
	delete(p.conns, subscriber)
	p.mu.Unlock()
}

// History returns up to min(len, subscriber_max_buffer_size) of the most
// recently published offsets, in publication order, for a subscriber
// attaching mid-stream.
func (p *Publisher) History(maxEntries int) []shm.PointerOffset {
	return p.history.snapshot(maxEntries)
}

// LoanUninit reserves a chunk able to hold size bytes, returning it
// uninitialized for the caller to fill in place. Fails with
// ExceedsMaxLoanedSamples if the publisher already has max_loaned_samples
// outstanding un-sent loans, per spec.md B1.
func (p *Publisher) LoanUninit(size uint64) (*Sample, error) {
	p.loanedMu.Lock()
	if p.loaned >= p.maxLoaned {
		p.loanedMu.Unlock()
		return nil, ipcerr.ErrExceedsMaxLoanedSamples
	}
	p.loaned++
	p.loanedMu.Unlock()

	offset, payload, err := p.pool.Allocate(size)
	if err != nil {
		p.loanedMu.Lock()
		p.loaned--
		p.loanedMu.Unlock()
		return nil, err
	}
	return &Sample{Offset: offset, Payload: payload}, nil
}

// DropLoan returns an unsent loaned sample directly to the pool, per
// spec.md 4.H: "an unsent loaned sample is returned to the pool when
// dropped."
func (p *Publisher) DropLoan(s *Sample) {
	p.loanedMu.Lock()
	p.loaned--
	p.loanedMu.Unlock()
	p.pool.Deallocate(s.Offset)
}

// Send publishes s by pushing its offset onto every attached subscriber
// connection and, if history is configured, the history ring. Each
// recipient (a connection slot that actually holds the offset, or the
// history ring) owns one reference count; once delivered to zero
// recipients overall the chunk is freed immediately, matching the "unsent
// loaned sample is dropped" rule for the degenerate case of a publisher
// with nobody currently listening.
func (p *Publisher) Send(s *Sample) error {
	p.loanedMu.Lock()
	p.loaned--
	p.loanedMu.Unlock()

	rc := p.pool.RefCount(s.Offset)
	delivered := 0

	p.mu.RLock()
	conns := make([]*connection.Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.RUnlock()

	for _, c := range conns {
		res, dropped := c.TrySend(s.Offset)
		switch res {
		case connection.Sent:
			rc.Add(1)
			delivered++
		case connection.Overflowed:
			rc.Add(1)
			delivered++
			p.releaseRef(dropped)
		case connection.Full:
			if p.strategy == connection.Block {
				for {
					res2, _ := c.TrySend(s.Offset)
					if res2 == connection.Sent {
						rc.Add(1)
						delivered++
						break
					}
					time.Sleep(time.Millisecond)
				}
			}
		}
	}

	if evicted, didEvict := p.history.push(s.Offset); didEvict {
		p.releaseRef(evicted)
	}
	if len(p.history.entries) > 0 {
		rc.Add(1)
		delivered++
	}

	if delivered == 0 {
		p.pool.Deallocate(s.Offset)
	}
	return nil
}

// ReclaimReleased drains every attached connection's return queue, freeing
// each returned chunk whose reference count (decremented by the
// subscriber's Release) has reached zero.
// Callers run this periodically (e.g. from a WaitSet tick) rather than on
// every Send, since releases are not otherwise observed by the producer.
func (p *Publisher) ReclaimReleased() {
	p.mu.RLock()
	conns := make([]*connection.Connection, 0, len(p.conns))
	for _, c := range p.conns {
		conns = append(conns, c)
	}
	p.mu.RUnlock()

	for _, c := range conns {
		for {
			po, ok := c.TryReclaim()
			if !ok {
				break
			}
			if p.pool.RefCount(po).Load() == 0 {
				p.pool.Deallocate(po)
			}
		}
	}
}

func (p *Publisher) releaseRef(po shm.PointerOffset) {
	if po.Zero() {
		return
	}
	if p.pool.RefCount(po).Add(^uint64(0)) == 0 {
		p.pool.Deallocate(po)
	}
}
