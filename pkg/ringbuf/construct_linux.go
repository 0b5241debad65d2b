//go:build linux

package ringbuf

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// New reserves 2*size bytes of virtual address space, backs both
// halves with the same memfd-backed pages, and returns a Ring ready
// for single-producer/single-consumer use. size must be a multiple of
// the OS page size.
func New(size int) (*Ring, error) {
	if size <= 0 {
		return nil, fmt.Errorf("ringbuf: size must be positive")
	}
	pageSize := unix.Getpagesize()
	if size%pageSize != 0 {
		return nil, ErrSizeNotPageAligned
	}

	// Step 1+2: reserve a contiguous 2*size window of virtual address
	// space, then treat it as two size-sized sub-ranges.
	reservation, err := unix.Mmap(-1, 0, 2*size, unix.PROT_NONE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrReserveFailed, err)
	}
	base := uintptr(unsafe.Pointer(&reservation[0]))

	fd, err := unix.MemfdCreate("cxcapture-ring", 0)
	if err != nil {
		_ = unix.Munmap(reservation)
		return nil, fmt.Errorf("%w: %v", ErrMemfdFailed, err)
	}
	defer unix.Close(fd)

	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		_ = unix.Munmap(reservation)
		return nil, fmt.Errorf("%w: %v", ErrTruncateFailed, err)
	}

	// Step 4: back both sub-ranges with the same memfd pages so they
	// are read-write aliases of one another. Failure at any step
	// releases the reservation made so far.
	if _, err := mmapFixed(base, uintptr(size), fd); err != nil {
		_ = unix.Munmap(reservation)
		return nil, fmt.Errorf("%w: %v", ErrFirstMapFailed, err)
	}
	if _, err := mmapFixed(base+uintptr(size), uintptr(size), fd); err != nil {
		_ = unix.Munmap(reservation)
		return nil, fmt.Errorf("%w: %v", ErrSecondMapFailed, err)
	}

	r := &Ring{
		buf:  reservation,
		size: uint64(size),
	}
	return r, nil
}
