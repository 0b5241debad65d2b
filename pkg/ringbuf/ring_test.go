package ringbuf

import (
	"bytes"
	"math/rand"
	"testing"

	"github.com/go-quicktest/qt"
	"golang.org/x/sys/unix"
)

func newTestRing(t *testing.T, size int) *Ring {
	t.Helper()
	r, err := New(size)
	if err != nil {
		t.Fatalf("New(%d): %v", size, err)
	}
	t.Cleanup(func() { _ = r.Close() })
	return r
}

func TestNew_RejectsUnalignedSize(t *testing.T) {
	tests := []struct {
		name    string
		size    int
		wantErr error
	}{
		{"page aligned", 4096, nil},
		{"two pages", 8192, nil},
		{"unaligned", 4097, ErrSizeNotPageAligned},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, err := New(tt.size)
			if tt.wantErr != nil {
				qt.Assert(t, qt.ErrorIs(err, tt.wantErr))
				return
			}
			qt.Assert(t, qt.IsNil(err))
			_ = r.Close()
		})
	}
}

func TestNew_RejectsNonPositiveSize(t *testing.T) {
	_, err := New(0)
	if err == nil {
		t.Fatal("New(0): expected error, got nil")
	}
}

// TestRingWrap reproduces end-to-end scenario 3 from the spec: write
// and read two patterns across a wrap point and confirm the bytes
// round-trip exactly.
func TestRingWrap(t *testing.T) {
	r := newTestRing(t, 65536)

	p1 := bytes.Repeat([]byte{0xAA}, 50000)
	ptr := r.WritePtr(len(p1))
	if ptr == nil {
		t.Fatal("WritePtr returned nil for first write")
	}
	copy(ptr, p1)
	qt.Assert(t, qt.IsNil(r.WriteFinished(len(p1))))

	got := make([]byte, len(p1))
	rptr := r.ReadPtr(len(p1))
	if rptr == nil {
		t.Fatal("ReadPtr returned nil for first read")
	}
	copy(got, rptr)
	qt.Assert(t, qt.IsNil(r.ReadFinished(len(p1))))
	qt.Assert(t, qt.DeepEquals(got, p1))

	p2 := bytes.Repeat([]byte{0x55}, 50000)
	ptr = r.WritePtr(len(p2))
	if ptr == nil {
		t.Fatal("WritePtr returned nil for second write")
	}
	copy(ptr, p2)
	qt.Assert(t, qt.IsNil(r.WriteFinished(len(p2))))

	got2 := make([]byte, len(p2))
	rptr = r.ReadPtr(len(p2))
	if rptr == nil {
		t.Fatal("ReadPtr returned nil for second read")
	}
	copy(got2, rptr)
	qt.Assert(t, qt.IsNil(r.ReadFinished(len(p2))))
	qt.Assert(t, qt.DeepEquals(got2, p2))

	if r.head.Load() > 2*r.size || r.tail.Load() > 2*r.size {
		t.Fatalf("head/tail drifted past 2*size: head=%d tail=%d size=%d", r.head.Load(), r.tail.Load(), r.size)
	}
}

// TestWriteExactSizeSucceeds_OneMoreFails is the boundary behavior
// from the spec: writing exactly rb.size bytes succeeds; size+1 fails.
func TestWriteExactSizeSucceeds_OneMoreFails(t *testing.T) {
	size := 4096
	r := newTestRing(t, size)

	ptr := r.WritePtr(size)
	if ptr == nil {
		t.Fatal("WritePtr(size) returned nil, want a full-size span")
	}
	qt.Assert(t, qt.IsNil(r.WriteFinished(size)))

	if r.WritePtr(1) != nil {
		t.Fatal("WritePtr(1) on a full ring should return nil")
	}
}

// TestContiguityInvariant checks invariant 1: head <= tail, tail-head
// <= size, and the returned span is always exactly the requested
// length (i.e. contiguous; a non-contiguous implementation would have
// to split the read into two slices).
func TestContiguityInvariant(t *testing.T) {
	size := 1 << 16
	r := newTestRing(t, size)
	rng := rand.New(rand.NewSource(1))

	var written, read int
	for i := 0; i < 2000; i++ {
		if rng.Intn(2) == 0 {
			n := 1 + rng.Intn(1024)
			ptr := r.WritePtr(n)
			if ptr == nil {
				continue
			}
			qt.Assert(t, qt.Equals(len(ptr), n))
			qt.Assert(t, qt.IsNil(r.WriteFinished(n)))
			written += n
		} else {
			n := 1 + rng.Intn(1024)
			ptr := r.ReadPtr(n)
			if ptr == nil {
				continue
			}
			qt.Assert(t, qt.Equals(len(ptr), n))
			qt.Assert(t, qt.IsNil(r.ReadFinished(n)))
			read += n
		}
		head, tail := r.head.Load(), r.tail.Load()
		if head > tail || tail-head > r.size {
			t.Fatalf("invariant violated: head=%d tail=%d size=%d", head, tail, r.size)
		}
	}
	qt.Assert(t, qt.Equals(int(r.TotalWritten()), written))
	qt.Assert(t, qt.Equals(int(r.TotalRead()), read))
}

// TestDoubleMapping verifies the defining property of the magic-wrap
// trick: mutating through the low half is visible through the high
// half at the aliased offset, and vice versa.
func TestDoubleMapping(t *testing.T) {
	size := 4096
	r := newTestRing(t, size)

	r.buf[10] = 0x42
	qt.Assert(t, qt.Equals(r.buf[int(r.size)+10], byte(0x42)))

	r.buf[int(r.size)+20] = 0x99
	qt.Assert(t, qt.Equals(r.buf[20], byte(0x99)))
}

func TestReadFinished_NormalizesAtWrap(t *testing.T) {
	size := 4096
	r := newTestRing(t, size)

	ptr := r.WritePtr(size)
	if ptr == nil {
		t.Fatal("WritePtr(size) returned nil")
	}
	qt.Assert(t, qt.IsNil(r.WriteFinished(size)))

	qt.Assert(t, qt.IsNil(r.ReadFinished(size)))
	qt.Assert(t, qt.Equals(r.head.Load(), uint64(0)))
	qt.Assert(t, qt.Equals(r.tail.Load(), uint64(0)))
}

func TestClose_FailsFurtherOps(t *testing.T) {
	r, err := New(4096)
	qt.Assert(t, qt.IsNil(err))
	qt.Assert(t, qt.IsNil(r.Close()))

	if r.WritePtr(1) != nil {
		t.Fatal("WritePtr on closed ring should return nil")
	}
	qt.Assert(t, qt.ErrorIs(r.WriteFinished(1), ErrClosed))
	if r.ReadPtr(1) != nil {
		t.Fatal("ReadPtr on closed ring should return nil")
	}
	qt.Assert(t, qt.ErrorIs(r.ReadFinished(1), ErrClosed))
	// Closing twice is a no-op, not an error.
	qt.Assert(t, qt.IsNil(r.Close()))
}

func TestOccupancyPercent(t *testing.T) {
	size := 1000 * unix.Getpagesize()
	r := newTestRing(t, size)

	qt.Assert(t, qt.Equals(r.OccupancyPercent(), 0))

	half := size / 2
	if r.WritePtr(half) == nil {
		t.Fatal("WritePtr(half) returned nil")
	}
	qt.Assert(t, qt.IsNil(r.WriteFinished(half)))
	qt.Assert(t, qt.Equals(r.OccupancyPercent(), 50))
}
