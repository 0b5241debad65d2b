//go:build linux

package ringbuf

import (
	"golang.org/x/sys/unix"
)

// mmapFixed maps size bytes of fd at the exact virtual address addr,
// replacing whatever reservation previously lived there. It is the
// platform primitive behind the magic-wrap double mapping: called
// twice at consecutive addresses with the same fd, it produces two
// virtual views of one physical/backing object.
func mmapFixed(addr, size uintptr, fd int) (uintptr, error) {
	got, _, errno := unix.Syscall6(
		unix.SYS_MMAP,
		addr,
		size,
		uintptr(unix.PROT_READ|unix.PROT_WRITE),
		uintptr(unix.MAP_SHARED|unix.MAP_FIXED),
		uintptr(fd),
		0,
	)
	if errno != 0 {
		return 0, errno
	}
	return got, nil
}
