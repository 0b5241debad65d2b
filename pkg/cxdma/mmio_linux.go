//go:build linux

package cxdma

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// MMIORegisterIO is a RegisterIO backed by a real PCI base address
// register, mapped via a device's sysfs resource file the way
// /dev/gpiomem-style mappings map CPU I/O registers: open, mmap,
// reinterpret as little-endian 32-bit words.
type MMIORegisterIO struct {
	f    *os.File
	mem  []byte
	size uint32
}

// OpenMMIO maps size bytes of resourcePath (typically
// /sys/bus/pci/devices/<addr>/resource0) for register access. size
// must be a multiple of the page size; callers typically pass the BAR
// length reported by sysfs's "resource" file.
func OpenMMIO(resourcePath string, size uint32) (*MMIORegisterIO, error) {
	f, err := os.OpenFile(resourcePath, os.O_RDWR|os.O_SYNC, 0)
	if err != nil {
		return nil, fmt.Errorf("cxdma: open %s: %w", resourcePath, err)
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("cxdma: mmap %s: %w", resourcePath, err)
	}
	return &MMIORegisterIO{f: f, mem: mem, size: size}, nil
}

func (m *MMIORegisterIO) checkRange(off uint32, n uint32) error {
	if off+n > m.size || off+n < off {
		return fmt.Errorf("%w: offset 0x%x length %d exceeds window size %d", ErrRegisterOutOfRange, off, n, m.size)
	}
	return nil
}

// ReadReg reads one little-endian 32-bit register.
func (m *MMIORegisterIO) ReadReg(off uint32) (uint32, error) {
	if err := m.checkRange(off, 4); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(m.mem[off : off+4]), nil
}

// WriteReg writes one little-endian 32-bit register.
func (m *MMIORegisterIO) WriteReg(off uint32, val uint32) error {
	if err := m.checkRange(off, 4); err != nil {
		return err
	}
	binary.LittleEndian.PutUint32(m.mem[off:off+4], val)
	return nil
}

// WriteBuf copies data into the window starting at off, for programming
// the on-chip SRAM's CDT and command block in bulk.
func (m *MMIORegisterIO) WriteBuf(off uint32, data []byte) error {
	if err := m.checkRange(off, uint32(len(data))); err != nil {
		return err
	}
	copy(m.mem[off:], data)
	return nil
}

// Close unmaps the BAR and closes the backing file.
func (m *MMIORegisterIO) Close() error {
	err1 := unix.Munmap(m.mem)
	err2 := m.f.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
