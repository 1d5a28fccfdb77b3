package shm

// PointerOffset is the only value ever transferred across a connection: a
// (segment id, byte offset) pair identifying a chunk. Per spec.md 6 its
// wire form is two unsigned integers.
type PointerOffset struct {
	SegmentId uint32
	Offset    uint64
}

// Zero reports whether this is the zero-value offset, used as a sentinel
// "no offset" in connection slots.
func (p PointerOffset) Zero() bool { return p.SegmentId == 0 && p.Offset == 0 }
