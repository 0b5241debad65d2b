package cxdma

import (
	"fmt"

	"github.com/cilium/ebpf/rlimit"
	"golang.org/x/sys/unix"
)

// PagePool owns the host-memory pages a DmaRingEngine programs as DMA
// sinks. In a real deployment these pages are bus-master targets for
// the device and must stay resident; we approximate that guarantee in
// user space by mlocking them, which is also why RemoveMemlock has to
// run first on kernels with a locked-memory rlimit.
type PagePool struct {
	pages    [][]byte
	pageSize uint32
}

// NewPagePool allocates count pages of pageSize bytes each, page
// aligned, and pins them with mlock so the kernel cannot swap them out
// from under a simulated in-flight DMA.
func NewPagePool(count int, pageSize uint32) (*PagePool, error) {
	if count <= 0 {
		return nil, fmt.Errorf("cxdma: page count must be positive")
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("cxdma: remove memlock rlimit: %w", err)
	}

	pages := make([][]byte, count)
	for i := range pages {
		buf, err := unix.Mmap(-1, 0, int(pageSize), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
		if err != nil {
			releasePages(pages[:i])
			return nil, fmt.Errorf("cxdma: mmap dma page %d: %w", i, err)
		}
		if err := unix.Mlock(buf); err != nil {
			_ = unix.Munmap(buf)
			releasePages(pages[:i])
			return nil, fmt.Errorf("cxdma: mlock dma page %d: %w", i, err)
		}
		pages[i] = buf
	}
	return &PagePool{pages: pages, pageSize: pageSize}, nil
}

func releasePages(pages [][]byte) {
	for _, p := range pages {
		_ = unix.Munlock(p)
		_ = unix.Munmap(p)
	}
}

// Page returns the backing buffer for DMA page i.
func (p *PagePool) Page(i int) []byte { return p.pages[i] }

// Count returns the number of pages in the pool.
func (p *PagePool) Count() int { return len(p.pages) }

// PageSize returns the size of each page in bytes.
func (p *PagePool) PageSize() uint32 { return p.pageSize }

// Addresses returns a synthetic 32-bit "PCI target address" per page.
// The device is 32-bit-only in the original hardware; in a user-space
// simulation there is no real bus address, so each page is assigned a
// stable, distinct coordinate derived from its index. The RISC
// program and the CDT only ever use these as opaque identifiers.
func (p *PagePool) Addresses() []uint32 {
	addrs := make([]uint32, len(p.pages))
	for i := range p.pages {
		addrs[i] = uint32(i) * p.pageSize
	}
	return addrs
}

// Close unlocks and unmaps every page in the pool.
func (p *PagePool) Close() error {
	releasePages(p.pages)
	p.pages = nil
	return nil
}
