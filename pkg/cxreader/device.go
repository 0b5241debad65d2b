// Package cxreader implements the KernelReaderPipeline: a streamable
// view over a cxdma.Engine's DMA page ring, a per-handle cursor and
// ioctl-equivalent control surface, and reference-counted capture
// lifecycle management. In this user-space rewrite there is no
// character device node; Device and Handle present the same
// semantics as ordinary Go values.
package cxreader

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cxadc-tools/cxcapture/pkg/cxconfig"
	"github.com/cxadc-tools/cxcapture/pkg/cxdma"
	"github.com/cxadc-tools/cxcapture/pkg/cxreader/store"
)

// ReadTimeout bounds how long a blocked Read waits on the DPC event
// before returning a short count.
const ReadTimeout = 50 * time.Millisecond

// ErrClosed is returned by operations on a closed Handle.
var ErrClosed = errors.New("cxreader: handle closed")

// ErrAlreadyMapped is returned by Map on a handle that already has an
// outstanding mapping, matching the original driver's single
// file_ctx->ptr slot per open file.
var ErrAlreadyMapped = errors.New("cxreader: handle already mapped")

// ErrNotMapped is returned by Unmap when Map was never called, or was
// already undone.
var ErrNotMapped = errors.New("cxreader: handle not mapped")

// ErrPageNotResident is returned by Map when the page under the
// handle's cursor has not yet been published by the DPC.
var ErrPageNotResident = errors.New("cxreader: page not resident")

// Device wraps a cxdma.Engine with the reader-facing control surface:
// config setters that persist to a store, register peek/poke, and
// reader-refcounted capture start/stop.
type Device struct {
	engine *cxdma.Engine
	store  store.Store
	logger *zap.Logger

	mu sync.Mutex
}

// Open loads a persisted DeviceConfig from s (falling back to
// cxconfig.Default for any missing key), applies it to engine, and
// returns a ready Device.
func Open(engine *cxdma.Engine, s store.Store, logger *zap.Logger) (*Device, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg, err := s.Load()
	if err != nil {
		return nil, err
	}
	if err := engine.ApplyConfig(cfg); err != nil {
		return nil, err
	}
	return &Device{engine: engine, store: s, logger: logger}, nil
}

// OpenHandle returns a new per-client Handle. Capture is not started
// until the handle's first Read.
func (d *Device) OpenHandle() *Handle {
	return &Handle{device: d}
}

// Engine returns the underlying DmaRingEngine, for components (such as
// the capture server) that need direct access to page data.
func (d *Device) Engine() *cxdma.Engine { return d.engine }

// State returns a snapshot of the device's lock-free status block.
func (d *Device) State() cxdma.Snapshot { return d.engine.State().Load() }

// Config returns the device's current configuration.
func (d *Device) Config() cxconfig.DeviceConfig { return d.engine.Config() }

// setAndPersist applies next to the engine, then persists it, holding
// the device's control-queue lock across both steps so the apply and
// the save of one setter are never interleaved with another's. The
// setters compute next from Config() before this lock is taken.
func (d *Device) setAndPersist(next cxconfig.DeviceConfig) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.engine.ApplyConfig(next); err != nil {
		return err
	}
	return d.store.Save(next)
}

// SetVmux validates and applies a new vmux value, in that order: a
// rejected value leaves the previous configuration (hardware and
// store) untouched.
func (d *Device) SetVmux(v uint32) error {
	next, err := d.Config().WithVmux(v)
	if err != nil {
		return err
	}
	return d.setAndPersist(next)
}

// SetLevel validates and applies a new level value.
func (d *Device) SetLevel(v uint32) error {
	next, err := d.Config().WithLevel(v)
	if err != nil {
		return err
	}
	return d.setAndPersist(next)
}

// SetTenbit validates and applies a new tenbit value.
func (d *Device) SetTenbit(v uint32) error {
	next, err := d.Config().WithTenbit(v)
	if err != nil {
		return err
	}
	return d.setAndPersist(next)
}

// SetSixdb validates and applies a new sixdb value.
func (d *Device) SetSixdb(v uint32) error {
	next, err := d.Config().WithSixdb(v)
	if err != nil {
		return err
	}
	return d.setAndPersist(next)
}

// SetCenterOffset validates and applies a new center_offset value.
func (d *Device) SetCenterOffset(v uint32) error {
	next, err := d.Config().WithCenterOffset(v)
	if err != nil {
		return err
	}
	return d.setAndPersist(next)
}

// ReadRegister peeks a raw MMIO register. Range checking is the
// RegisterIO implementation's responsibility.
func (d *Device) ReadRegister(off uint32) (uint32, error) {
	return d.engine.ReadRegister(off)
}

// WriteRegister pokes a raw MMIO register.
func (d *Device) WriteRegister(off uint32, val uint32) error {
	return d.engine.WriteRegister(off, val)
}

// acquireReader increments the engine's reader count, starting
// capture on the 0→1 transition.
func (d *Device) acquireReader() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.engine.State().ReaderCount.Add(1)
	if n == 1 {
		return d.engine.StartCapture()
	}
	return nil
}

// releaseReader decrements the engine's reader count, stopping
// capture on the 1→0 transition.
func (d *Device) releaseReader() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	n := d.engine.State().ReaderCount.Add(^uint32(0)) // -1
	if n == 0 {
		return d.engine.StopCapture()
	}
	return nil
}

// Handle is a per-open cursor over a Device's DMA page ring. It is not
// safe for concurrent use from multiple goroutines, matching the
// spec's "exclusively owned by the opening client" ownership rule.
type Handle struct {
	device *Device

	opened             bool
	initialPage        uint32
	initialPageLatched bool
	cursor             uint64
	mapped             bool

	closed bool
}

// pageOf translates a byte cursor into a ring page index, relative to
// the device-level initial_page published by the first DPC.
func (h *Handle) pageOf(cursor uint64) uint64 {
	pageSize := uint64(h.device.engine.PageSize())
	pageCount := uint64(h.device.engine.PageCount())
	return ((cursor%(pageSize*pageCount))/pageSize + uint64(h.initialPage)) % pageCount
}

// Read copies up to len(p) bytes from the device's current ring
// position into p, blocking (subject to ReadTimeout) when the
// producer has not yet published enough pages. It returns a short
// count, never an error, when capture stops or the wait times out —
// matching the kernel read's "never fails, may be short" contract.
func (h *Handle) Read(ctx context.Context, p []byte) (int, error) {
	if h.closed {
		return 0, ErrClosed
	}
	if !h.opened {
		if err := h.device.acquireReader(); err != nil {
			return 0, err
		}
		h.opened = true
	}

	pageSize := uint64(h.device.engine.PageSize())

	remaining := len(p)
	target := 0
	for remaining > 0 && h.device.engine.State().IsCapturing.Load() {
		// initial_page is published once at device level, by the first
		// DPC after StartCapture, not latched per handle at open time —
		// a handle opened before that DPC has run waits for it here.
		if !h.initialPageLatched {
			if page, ready := h.device.engine.InitialPage(); ready {
				h.initialPage = page
				h.initialPageLatched = true
			}
		}
		lastGPCnt := uint64(h.device.engine.State().LastGPCnt.Load())
		for remaining > 0 && h.initialPageLatched && h.pageOf(h.cursor) != lastGPCnt {
			pageNo := h.pageOf(h.cursor)
			pageOff := h.cursor % pageSize
			chunk := remaining
			if avail := int(pageSize - pageOff); avail < chunk {
				chunk = avail
			}
			src := h.device.engine.PageData(int(pageNo))
			copy(p[target:target+chunk], src[pageOff:pageOff+uint64(chunk)])

			remaining -= chunk
			target += chunk
			h.cursor += uint64(chunk)
			lastGPCnt = uint64(h.device.engine.State().LastGPCnt.Load())
		}

		if _, err := h.device.engine.PollOverflow(); err != nil {
			return target, err
		}

		if remaining > 0 {
			select {
			case <-h.device.engine.WaitForPage():
			case <-time.After(ReadTimeout):
				return target, nil
			case <-ctx.Done():
				return target, nil
			}
		}
	}

	return target, nil
}

// Map returns a zero-copy view of the DMA page currently under the
// handle's cursor, without advancing the cursor or blocking. It is the
// in-process analogue of the original driver's CX_IOCTL_HW_MMAP: that
// ioctl mapped the device's locked pages into a second, user-mode
// address space so a client could read captured samples without a
// copy through a kernel buffer. This rewrite has no such boundary —
// the DMA pages already live in this process's address space, so Map
// just returns a slice directly into the page pool the engine DMAs
// into. A handle may have at most one outstanding mapping at a time.
func (h *Handle) Map() ([]byte, error) {
	if h.closed {
		return nil, ErrClosed
	}
	if h.mapped {
		return nil, ErrAlreadyMapped
	}
	if !h.opened {
		if err := h.device.acquireReader(); err != nil {
			return nil, err
		}
		h.opened = true
	}
	if !h.initialPageLatched {
		if page, ready := h.device.engine.InitialPage(); ready {
			h.initialPage = page
			h.initialPageLatched = true
		}
	}
	lastGPCnt := uint64(h.device.engine.State().LastGPCnt.Load())
	if !h.initialPageLatched || h.pageOf(h.cursor) == lastGPCnt {
		return nil, ErrPageNotResident
	}
	h.mapped = true
	return h.device.engine.PageData(int(h.pageOf(h.cursor))), nil
}

// Unmap releases the mapping Map returned, the analogue of
// CX_IOCTL_HW_MUNMAP. It does not free or invalidate the underlying
// page: the slice Map returned simply aliases the page pool for as
// long as the caller keeps it.
func (h *Handle) Unmap() error {
	if !h.mapped {
		return ErrNotMapped
	}
	h.mapped = false
	return nil
}

// Close releases this handle's reader slot, stopping capture if it
// was the last active reader. Close is idempotent.
func (h *Handle) Close() error {
	if h.closed {
		return nil
	}
	h.closed = true
	if h.opened {
		return h.device.releaseReader()
	}
	return nil
}
