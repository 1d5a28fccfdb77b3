package shm

import (
	"path/filepath"
	"testing"
)

func TestPoolAllocateDeallocateReusesSlot(t *testing.T) {
	dir := t.TempDir()
	pool, err := OpenPool(dir, "svc-pub-0", 64, 4, nil)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	defer pool.Close()

	po1, buf1, err := pool.Allocate(32)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(buf1, "hello")

	pool.Deallocate(po1)

	po2, buf2, err := pool.Allocate(32)
	if err != nil {
		t.Fatalf("Allocate after free: %v", err)
	}
	if po2 != po1 {
		t.Fatalf("expected freed slot to be reused, got %+v want %+v", po2, po1)
	}
	if string(buf2[:5]) != "hello" {
		t.Fatalf("expected freelist reuse to observe prior bytes (no zeroing promised), got %q", buf2[:5])
	}
}

func TestPoolSegmentFullWhenExhausted(t *testing.T) {
	dir := t.TempDir()
	pool, err := OpenPool(dir, "svc-pub-1", 16, 2, nil)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	defer pool.Close()

	if _, _, err := pool.Allocate(8); err != nil {
		t.Fatalf("Allocate 1: %v", err)
	}
	if _, _, err := pool.Allocate(8); err != nil {
		t.Fatalf("Allocate 2: %v", err)
	}
	if _, _, err := pool.Allocate(8); err == nil {
		t.Fatal("expected third allocation to fail with SegmentFull")
	}
}

func TestPoolGrowsForLargerSlicePayload(t *testing.T) {
	dir := t.TempDir()
	pool, err := OpenPool(dir, "svc-pub-2", 16, 4, nil)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	defer pool.Close()

	po, buf, err := pool.Allocate(64)
	if err != nil {
		t.Fatalf("Allocate large: %v", err)
	}
	if len(buf) < 64 {
		t.Fatalf("expected grown chunk >= 64 bytes, got %d", len(buf))
	}
	if po.SegmentId != 2 {
		t.Fatalf("expected allocation to land in generation 2, got segment id %d", po.SegmentId)
	}
}

func TestAttachPoolReadsPublisherSegment(t *testing.T) {
	dir := t.TempDir()
	pub, err := OpenPool(dir, "svc-pub-3", 32, 4, nil)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	defer pub.Close()

	po, buf, err := pub.Allocate(16)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	copy(buf, "payload")

	sub, err := AttachPool(dir, "svc-pub-3", 0)
	if err != nil {
		t.Fatalf("AttachPool: %v", err)
	}
	defer sub.Close()

	got := sub.Payload(po)
	if string(got[:7]) != "payload" {
		t.Fatalf("subscriber observed %q, want %q", got[:7], "payload")
	}
}

func TestSegmentPathIsUnderPrefix(t *testing.T) {
	dir := t.TempDir()
	pool, err := OpenPool(dir, "svc-x", 8, 1, nil)
	if err != nil {
		t.Fatalf("OpenPool: %v", err)
	}
	defer pool.Close()

	want := filepath.Join(dir, "segments", "svc-x.g0")
	if pool.generations[0].file.Name() != want {
		t.Fatalf("segment path = %q, want %q", pool.generations[0].file.Name(), want)
	}
}
