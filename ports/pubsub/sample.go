// Package pubsub implements component H: Publisher/Subscriber ports over
// the zero-copy connection (D) and pool allocator (A) primitives.
//
// The history ring is grounded on src/replay_buffer.go's per-client replay
// buffer, generalized from that file's per-connection slice-of-JSON-bytes
// (evicted with an O(n) slice shift, by the teacher's own admission a
// placeholder for "a ring buffer with head/tail pointers") directly into
// the O(1) head/tail ring this package needs, storing PointerOffsets
// instead of serialized bytes so replay never copies payload data.
package pubsub

import "shmipc/internal/shm"

// Sample is a publisher's view of a chunk: its cross-process offset and
// the payload bytes backing it, available for in-place writes until Send.
type Sample struct {
	Offset  shm.PointerOffset
	Payload []byte
}

// BorrowedSample is a subscriber's view of a chunk received from some
// publisher: the same offset/payload, plus which connection it must be
// released back through.
type BorrowedSample struct {
	Offset     shm.PointerOffset
	Payload    []byte
	connection *subscriberConn
}
