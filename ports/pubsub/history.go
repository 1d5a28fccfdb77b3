package pubsub

import "shmipc/internal/shm"

// historyRing is a bounded, O(1) head/tail ring of recently published
// offsets, the production-quality shape src/replay_buffer.go's own
// comments describe wanting but defer ("Production optimization: O(1)
// using ring buffer with head/tail pointers ... Why we use simple version:
// easier to understand and debug. Can optimize later").
type historyRing struct {
	entries []shm.PointerOffset
	head    int
	size    int
}

func newHistoryRing(capacity int) *historyRing {
	if capacity <= 0 {
		return &historyRing{}
	}
	return &historyRing{entries: make([]shm.PointerOffset, capacity)}
}

// push records offset as the newest entry, returning the evicted oldest
// offset (if the ring was already full) so the caller can release its
// reference.
func (h *historyRing) push(offset shm.PointerOffset) (evicted shm.PointerOffset, didEvict bool) {
	if len(h.entries) == 0 {
		return shm.PointerOffset{}, false
	}
	writeAt := (h.head + h.size) % len(h.entries)
	if h.size == len(h.entries) {
		evicted = h.entries[h.head]
		didEvict = true
		h.head = (h.head + 1) % len(h.entries)
		h.size--
	}
	h.entries[writeAt] = offset
	h.size++
	return evicted, didEvict
}

// snapshot returns up to maxEntries of the most recent entries, oldest
// first, for a late-joining subscriber's initial catch-up, per spec.md
// 4.H: "up to min(history_size, subscriber_max_buffer_size) entries in
// publication order".
func (h *historyRing) snapshot(maxEntries int) []shm.PointerOffset {
	n := h.size
	if maxEntries < n {
		n = maxEntries
	}
	out := make([]shm.PointerOffset, 0, n)
	// Oldest-first within the returned window means skipping size-n of the
	// oldest entries when n < h.size (the subscriber wants the most recent
	// n, still in publication order).
	skip := h.size - n
	for i := 0; i < n; i++ {
		idx := (h.head + skip + i) % len(h.entries)
		out = append(out, h.entries[idx])
	}
	return out
}
