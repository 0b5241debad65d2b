// Package ringbuf implements the magic-wrap ring buffer: a
// single-producer/single-consumer byte buffer whose backing pages are
// mapped twice, consecutively, so that a contiguous read or write span
// never has to branch around the wrap point.
package ringbuf

import (
	"errors"
	"fmt"
	"sync/atomic"

	"golang.org/x/sys/unix"
)

var (
	// ErrSizeNotPageAligned is returned when size is not a multiple of
	// the platform allocation granularity.
	ErrSizeNotPageAligned = errors.New("ringbuf: size must be a multiple of the page size")
	// ErrReserveFailed is returned when the double-width virtual
	// address reservation fails.
	ErrReserveFailed = errors.New("ringbuf: failed to reserve address space")
	// ErrMemfdFailed is returned when the anonymous backing file could
	// not be created.
	ErrMemfdFailed = errors.New("ringbuf: memfd_create failed")
	// ErrTruncateFailed is returned when the backing file could not be
	// sized.
	ErrTruncateFailed = errors.New("ringbuf: ftruncate failed")
	// ErrFirstMapFailed is returned when the first virtual view could
	// not be mapped over the reservation.
	ErrFirstMapFailed = errors.New("ringbuf: first mapping failed")
	// ErrSecondMapFailed is returned when the second (aliasing) virtual
	// view could not be mapped.
	ErrSecondMapFailed = errors.New("ringbuf: second mapping failed")
	// ErrUnsupportedPlatform is returned on platforms without
	// memfd_create; there is no silent single-mapped fallback because
	// that would break the contiguous-read guarantee.
	ErrUnsupportedPlatform = errors.New("ringbuf: magic-wrap mapping unsupported on this platform")
	// ErrClosed is returned by operations on a closed Ring.
	ErrClosed = errors.New("ringbuf: use of closed ring")
)

// Ring is a contiguous-view SPSC byte buffer with atomic head/tail and
// a double virtual mapping of its backing pages.
type Ring struct {
	buf  []byte // length 2*size; buf[0:size] and buf[size:2*size] alias the same pages
	size uint64

	head atomic.Uint64
	tail atomic.Uint64

	totalRead  atomic.Uint64
	totalWrite atomic.Uint64

	closed atomic.Bool
}

// WritePtr reserves n contiguous writable bytes at the current tail
// position and returns them, or nil if fewer than n bytes of space are
// free. The returned slice is contiguous even across the wrap point.
func (r *Ring) WritePtr(n int) []byte {
	if r.closed.Load() {
		return nil
	}
	head := r.head.Load()
	tail := r.tail.Load()
	if r.size-(tail-head) < uint64(n) {
		return nil
	}
	off := tail % r.size
	return r.buf[off : off+uint64(n)]
}

// WriteFinished commits n bytes previously reserved by WritePtr,
// advancing tail and total_write.
func (r *Ring) WriteFinished(n int) error {
	if r.closed.Load() {
		return ErrClosed
	}
	head := r.head.Load()
	tail := r.tail.Load()
	if r.size-(tail-head) < uint64(n) {
		return fmt.Errorf("ringbuf: write_finished(%d) exceeds reserved space", n)
	}
	r.tail.Add(uint64(n))
	r.totalWrite.Add(uint64(n))
	return nil
}

// ReadPtr returns n contiguous readable bytes starting at the current
// head position, or nil if fewer than n bytes are available.
func (r *Ring) ReadPtr(n int) []byte {
	if r.closed.Load() {
		return nil
	}
	head := r.head.Load()
	tail := r.tail.Load()
	if tail-head < uint64(n) {
		return nil
	}
	off := head % r.size
	return r.buf[off : off+uint64(n)]
}

// ReadFinished consumes n bytes previously returned by ReadPtr,
// advancing head and total_read, and normalizes head/tail modulo size
// once head has drifted a full size ahead of index zero.
func (r *Ring) ReadFinished(n int) error {
	if r.closed.Load() {
		return ErrClosed
	}
	head := r.head.Load()
	tail := r.tail.Load()
	if tail-head < uint64(n) {
		return fmt.Errorf("ringbuf: read_finished(%d) exceeds available data", n)
	}
	head += uint64(n)
	r.totalRead.Add(uint64(n))
	if head >= r.size {
		head -= r.size
		tail -= r.size
		r.tail.Store(tail)
	}
	r.head.Store(head)
	return nil
}

// Occupancy returns the number of unread bytes currently buffered.
func (r *Ring) Occupancy() int {
	return int(r.tail.Load() - r.head.Load())
}

// OccupancyPercent returns Occupancy as a percentage of capacity,
// derived directly from head/tail rather than from the cumulative
// read/write totals (which, unlike head/tail, never get renormalized
// and so are the wrong numerator once a session runs long enough to
// wrap many times).
func (r *Ring) OccupancyPercent() int {
	if r.size == 0 {
		return 0
	}
	return int(uint64(r.Occupancy()) * 100 / r.size)
}

// TotalRead returns the cumulative number of bytes consumed.
func (r *Ring) TotalRead() uint64 { return r.totalRead.Load() }

// TotalWritten returns the cumulative number of bytes produced.
func (r *Ring) TotalWritten() uint64 { return r.totalWrite.Load() }

// Size returns the buffer's single-copy capacity in bytes.
func (r *Ring) Size() uint64 { return r.size }

// Close releases both virtual mappings. It is not safe to call
// concurrently with WritePtr/ReadPtr from other goroutines.
func (r *Ring) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	if r.buf == nil {
		return nil
	}
	return unix.Munmap(r.buf)
}
