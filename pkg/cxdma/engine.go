package cxdma

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/cxadc-tools/cxcapture/pkg/cxconfig"
)

// ErrAlreadyCapturing is returned by StartCapture when the engine is
// already running.
var ErrAlreadyCapturing = errors.New("cxdma: already capturing")

// Tuning constants for the RISC program and CDT layout. These are not
// given literal numbers by the hardware's public register map in this
// retrieval pack; they are chosen to match the architecture the spec
// describes (a handful of CDT slots per DMA page, a short interrupt
// period trading latency for CPU load) and are documented in
// DESIGN.md.
const (
	CDTBufLen        = 128
	IRQPeriodInPages = 4
)

// State is the DmaRingEngine's lock-free, reader-visible status. Every
// field is updated with a single atomic store so KernelReaderPipeline
// can publish a consistent snapshot without taking a lock.
type State struct {
	LastGPCnt   atomic.Uint32
	InitialPage atomic.Uint32
	// OuflowCount counts every observed loss-of-sync / FIFO-overflow
	// status bit as one event; the two causes are not told apart.
	OuflowCount atomic.Uint32
	ReaderCount atomic.Uint32
	IsCapturing atomic.Bool
}

// Snapshot is a point-in-time copy of State, safe to serialize.
type Snapshot struct {
	LastGPCnt   uint32
	InitialPage uint32
	OuflowCount uint32
	ReaderCount uint32
	IsCapturing bool
}

// Load takes a consistent-enough snapshot for diagnostics; the fields
// are not read atomically as a group, matching the spec's note that
// DeviceState reads are lock-free but not transactional.
func (s *State) Load() Snapshot {
	return Snapshot{
		LastGPCnt:   s.LastGPCnt.Load(),
		InitialPage: s.InitialPage.Load(),
		OuflowCount: s.OuflowCount.Load(),
		ReaderCount: s.ReaderCount.Load(),
		IsCapturing: s.IsCapturing.Load(),
	}
}

// edgeEvent is a coalescing, edge-triggered rendezvous: any number of
// signals between two Wait calls are observed as a single wakeup. It
// plays the role the auto-reset ISR event plays in the original
// driver, and the DPC event described in the spec's concurrency model.
type edgeEvent struct {
	mu sync.Mutex
	ch chan struct{}
}

func newEdgeEvent() *edgeEvent {
	return &edgeEvent{ch: make(chan struct{})}
}

func (e *edgeEvent) wait() <-chan struct{} {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.ch
}

func (e *edgeEvent) signal() {
	e.mu.Lock()
	defer e.mu.Unlock()
	close(e.ch)
	e.ch = make(chan struct{})
}

// Engine is the DmaRingEngine: it owns the MMIO registers, the RISC
// instruction stream, the DMA page pool, and the interrupt-to-DPC
// pipeline. In this user-space rewrite the ISR and DPC are not OS
// interrupt objects; ISR is called by whatever polls or simulates the
// hardware, and the DPC is a goroutine reading from a channel, exactly
// the "task posted to a single-threaded reactor" the design notes
// sanction.
type Engine struct {
	io     RegisterIO
	logger *zap.Logger

	pages     *PagePool
	pageAddrs []uint32

	cdtBufLen        uint32
	irqPeriodInPages uint32
	cdtBufCount      uint32

	riscProgram []uint32
	riscAddr    uint32

	mu     sync.Mutex
	config cxconfig.DeviceConfig

	state State

	dpcQueue chan struct{}
	dpcReady *edgeEvent

	initialPageLatched atomic.Bool

	unrecognizedLogged atomic.Bool
}

// Open programs the device with an initial configuration and returns
// a ready-to-start Engine. It performs the full initialization
// sequence (CDT, RISC program, command block, baseline registers,
// DeviceConfig) exactly once; StartCapture/StopCapture never redo it.
func Open(io RegisterIO, pages *PagePool, cfg cxconfig.DeviceConfig, logger *zap.Logger) (*Engine, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	writesPerPage := pages.PageSize() / CDTBufLen
	if writesPerPage == 0 {
		return nil, fmt.Errorf("cxdma: page size %d smaller than CDT buffer length %d", pages.PageSize(), CDTBufLen)
	}

	e := &Engine{
		io:               io,
		logger:           logger,
		pages:            pages,
		pageAddrs:        pages.Addresses(),
		cdtBufLen:        CDTBufLen,
		irqPeriodInPages: IRQPeriodInPages,
		cdtBufCount:      uint32(pages.Count()) * writesPerPage,
		config:           cfg,
		dpcQueue:         make(chan struct{}, 1),
		dpcReady:         newEdgeEvent(),
	}

	if err := e.initCDT(writesPerPage); err != nil {
		return nil, fmt.Errorf("cxdma: init cdt: %w", err)
	}
	e.riscAddr = sramRISCQueueBase
	e.riscProgram = buildRISCProgram(e.pageAddrs, e.cdtBufLen, writesPerPage, e.irqPeriodInPages, e.riscAddr)
	if err := e.io.WriteBuf(e.riscAddr, riscProgramBytes(e.riscProgram)); err != nil {
		return nil, fmt.Errorf("cxdma: install risc program: %w", err)
	}
	if err := e.initCmds(); err != nil {
		return nil, fmt.Errorf("cxdma: init cmds: %w", err)
	}
	if err := e.clearInterruptStatus(); err != nil {
		return nil, fmt.Errorf("cxdma: clear interrupt status: %w", err)
	}
	if err := e.programBaseline(writesPerPage); err != nil {
		return nil, fmt.Errorf("cxdma: program baseline registers: %w", err)
	}
	if err := e.applyConfig(cfg); err != nil {
		return nil, fmt.Errorf("cxdma: apply config: %w", err)
	}

	return e, nil
}

func (e *Engine) initCDT(writesPerPage uint32) error {
	cdtPtr := uint32(sramCDTBase)
	bufPtr := uint32(sramCDTBufBase)
	for i := uint32(0); i < e.cdtBufCount; i++ {
		descriptor := make([]byte, 16)
		descriptor[0] = byte(bufPtr)
		descriptor[1] = byte(bufPtr >> 8)
		descriptor[2] = byte(bufPtr >> 16)
		descriptor[3] = byte(bufPtr >> 24)
		if err := e.io.WriteBuf(cdtPtr, descriptor); err != nil {
			return err
		}
		cdtPtr += 16
		bufPtr += e.cdtBufLen
	}

	if err := e.io.WriteReg(regDMACVBICnt1, dmacDMACnt1(e.cdtBufLen/8-1)); err != nil {
		return err
	}
	if err := e.io.WriteReg(regDMACVBIPtr2, dmacDMAPtr2(sramCDTBase>>2)); err != nil {
		return err
	}
	return e.io.WriteReg(regDMACVBICnt2, dmacDMACnt2(e.cdtBufCount*2))
}

func (e *Engine) initCmds() error {
	cmds := make([]byte, 20)
	putU32 := func(off int, v uint32) {
		cmds[off] = byte(v)
		cmds[off+1] = byte(v >> 8)
		cmds[off+2] = byte(v >> 16)
		cmds[off+3] = byte(v >> 24)
	}
	putU32(0, e.riscAddr)                    // initial_risc_addr
	putU32(4, sramCDTBase)                   // cdt_base
	putU32(8, e.cdtBufCount*2)               // cdt_size
	putU32(12, e.riscAddr)                   // risc_base
	putU32(16, uint32(len(e.riscProgram)*4)) // risc_size
	return e.io.WriteBuf(sramCmdsVBIBase, cmds)
}

func (e *Engine) clearInterruptStatus() error {
	raw, err := e.io.ReadReg(regDMACVideoInterruptStatus)
	if err != nil {
		return err
	}
	return e.io.WriteReg(regDMACVideoInterruptStatus, raw)
}

func (e *Engine) programBaseline(writesPerPage uint32) error {
	writes := []struct {
		off uint32
		val uint32
	}{
		{regVideoOutputControl, videoOutputControl()},
		{regVideoContrastBrightness, videoContrastBrightness()},
		{regVBIPacketSizeDelay, vbiPacketSizeDelay(e.cdtBufLen)},
		{regVideoColorFormatControl, videoColorFormatControl()},
		{regMiscAFEConfig, miscAFEConfig()},
		{regVideoSampleRateConversion, videoSampleRateConversion()},
		{regVideoPLL, videoPLL()},
		{regAGCSyncSlicer, agcSyncSlicer()},
		{regAGCControl, agcControl()},
		{regAGCSyncTipAdjust1, agcSyncTipAdjust1()},
		{regAGCSyncTipAdjust2, agcSyncTipAdjust2()},
		{regAGCGainAdjust1, agcGainAdjust1()},
		{regAGCGainAdjust2, agcGainAdjust2()},
		{regAGCGainAdjust3, agcGainAdjust3()},
		{regI2CDataControl, i2cDataControl()},
	}
	for _, w := range writes {
		if err := e.io.WriteReg(w.off, w.val); err != nil {
			return err
		}
	}

	// Disable PLL auto-adjust, a read-modify-write against whatever
	// reset value the register came up with.
	pllAdjust, err := e.io.ReadReg(regVideoPLLAdjust)
	if err != nil {
		return err
	}
	pllAdjust &^= 1 << 0
	return e.io.WriteReg(regVideoPLLAdjust, pllAdjust)
}

func (e *Engine) applyConfig(cfg cxconfig.DeviceConfig) error {
	if err := e.io.WriteReg(regVideoInputFormat, videoInputFormat(cfg.Vmux)); err != nil {
		return err
	}
	if err := e.io.WriteReg(regVideoCaptureControl, videoCaptureControl(cfg.Tenbit == 1)); err != nil {
		return err
	}
	if err := e.io.WriteReg(regAGCGainAdjust4, agcGainAdjust4(cfg.Level, cfg.Sixdb == 1)); err != nil {
		return err
	}
	return e.io.WriteReg(regAGCSyncTipAdjust3, agcSyncTipAdjust3(cfg.CenterOffset, 0xFF, 0x1E48))
}

// ApplyConfig re-applies a (validated) configuration to the live
// registers and stores it as the engine's current configuration. It
// is the hardware half of a config setter; the caller is responsible
// for persisting it to the backing store.
func (e *Engine) ApplyConfig(cfg cxconfig.DeviceConfig) error {
	if err := cfg.Validate(); err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.applyConfig(cfg); err != nil {
		return err
	}
	e.config = cfg
	return nil
}

// Config returns the engine's current configuration.
func (e *Engine) Config() cxconfig.DeviceConfig {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.config
}

// State exposes the engine's lock-free status block.
func (e *Engine) State() *State { return &e.state }

// StartCapture enables the FIFO and RISC DMA paths and unmasks
// interrupts. Calling it while already capturing is a no-op logged as
// a warning, matching the original driver's defensive guard.
func (e *Engine) StartCapture() error {
	if e.state.IsCapturing.Load() {
		e.logger.Warn("start capture requested while already capturing")
		return nil
	}
	e.logger.Info("starting capture")
	e.initialPageLatched.Store(false)

	if err := e.io.WriteReg(regDMACDeviceControl2, dmacDeviceControl2(true)); err != nil {
		return err
	}
	if err := e.io.WriteReg(regVideoIPBDMAControl, videoIPBDMAControl(true, true)); err != nil {
		return err
	}
	if err := e.io.WriteReg(regDMACVideoInterruptMask, interruptMaskAll()); err != nil {
		return err
	}
	// The per-engine mask above only unmasks risci1/risci2/fifo-overflow
	// inside the video DMAC; the video bit in the chip's top-level PCI
	// interrupt mask still has to be set separately for those
	// interrupts to reach the bus at all.
	if err := e.io.WriteReg(regMiscPCIInterruptMask, miscPCIInterruptMaskVideo()); err != nil {
		return err
	}
	e.state.IsCapturing.Store(true)
	return nil
}

// StopCapture masks interrupts, write-clears pending status, and
// disables the FIFO/RISC paths.
func (e *Engine) StopCapture() error {
	e.logger.Info("stopping capture")
	e.state.IsCapturing.Store(false)

	if err := e.io.WriteReg(regMiscPCIInterruptMask, 0); err != nil {
		return err
	}
	if err := e.io.WriteReg(regDMACVideoInterruptMask, 0); err != nil {
		return err
	}
	if err := e.io.WriteReg(regDMACVideoInterruptStatus, 0xFFFFFFFF); err != nil {
		return err
	}
	if err := e.io.WriteReg(regVideoIPBDMAControl, 0); err != nil {
		return err
	}
	return e.io.WriteReg(regDMACDeviceControl2, dmacDeviceControl2(false))
}

// ReadRegister peeks a raw MMIO register, for the control interface's
// register peek ioctl. Range checking against the MMIO window is the
// RegisterIO implementation's job.
func (e *Engine) ReadRegister(off uint32) (uint32, error) {
	return e.io.ReadReg(off)
}

// WriteRegister pokes a raw MMIO register, for the control interface's
// register poke ioctl.
func (e *Engine) WriteRegister(off uint32, val uint32) error {
	return e.io.WriteReg(off, val)
}

// ISR reads the masked interrupt status and decides whether to claim
// the interrupt, following shared-interrupt discipline: an unexpected
// but nonzero raw status with no recognized bit is logged once and not
// claimed. A claimed interrupt write-clears every observed bit and
// enqueues the DPC. It returns whether the interrupt was recognized.
func (e *Engine) ISR() (bool, error) {
	mstat, err := e.io.ReadReg(regDMACVideoInterruptMStatus)
	if err != nil {
		return false, err
	}
	recognized := mstat&intrVBIRISCI1 != 0

	if !recognized {
		raw, err := e.io.ReadReg(regDMACVideoInterruptStatus)
		if err != nil {
			return false, err
		}
		if raw != 0 && e.unrecognizedLogged.CompareAndSwap(false, true) {
			e.logger.Error("unrecognized interrupt status", zap.Uint32("status", raw), zap.Uint32("mstatus", mstat))
		}
		return false, nil
	}

	if err := e.io.WriteReg(regDMACVideoInterruptStatus, mstat); err != nil {
		return false, err
	}

	select {
	case e.dpcQueue <- struct{}{}:
	default:
		// a DPC is already queued; the reactor will observe the
		// latest register state when it runs, so coalescing is safe.
	}
	return true, nil
}

// Run drives the DPC reactor until ctx is cancelled. It must be
// running (e.g. under an errgroup.Group) for ISR-triggered interrupts
// to ever update State.LastGPCnt or wake blocked readers.
func (e *Engine) Run(ctx context.Context) error {
	for {
		select {
		case <-e.dpcQueue:
			if err := e.runDPC(); err != nil {
				e.logger.Error("dpc failed", zap.Error(err))
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// runDPC is the deferred half of the interrupt: it reads the device's
// free-running page counter and rounds it down to the last page
// guaranteed resident in host memory, per the invariant that the
// counter can race ahead of DMA completion between interrupts.
func (e *Engine) runDPC() error {
	gp, err := e.io.ReadReg(regVideoVBIGPCounter)
	if err != nil {
		return err
	}
	gp &^= e.irqPeriodInPages - 1
	e.state.LastGPCnt.Store(gp)
	if e.initialPageLatched.CompareAndSwap(false, true) {
		e.state.InitialPage.Store(gp)
	}
	e.dpcReady.signal()
	return nil
}

// InitialPage returns the page the DPC had reached on its first run
// since the last StartCapture, and whether that has happened yet. The
// original driver publishes initial_page once, at device level, on the
// first isr_event after capture starts; handles opened before or after
// that point all read the same value rather than latching their own.
func (e *Engine) InitialPage() (page uint32, ready bool) {
	return e.state.InitialPage.Load(), e.initialPageLatched.Load()
}

// WaitForPage returns a channel that closes the next time the DPC
// publishes a new LastGPCnt. Callers select on it alongside their own
// context to support cancellation.
func (e *Engine) WaitForPage() <-chan struct{} {
	return e.dpcReady.wait()
}

// PollOverflow checks and clears the device's sticky loss-of-sync /
// FIFO overflow bit, incrementing OuflowCount on each transition the
// caller observes. The reader pipeline calls this between copy
// iterations, per the spec's overflow-detection design.
func (e *Engine) PollOverflow() (bool, error) {
	status, err := e.io.ReadReg(regVideoDeviceStatus)
	if err != nil {
		return false, err
	}
	if status&statusLossOfSync == 0 {
		return false, nil
	}
	e.state.OuflowCount.Add(1)
	status &^= statusLossOfSync
	return true, e.io.WriteReg(regVideoDeviceStatus, status)
}

// ResetOverflowCounter zeroes OuflowCount, the STATE_OUFLOW_RESET
// control operation.
func (e *Engine) ResetOverflowCounter() {
	e.state.OuflowCount.Store(0)
}

// PageCount returns the number of DMA pages backing this engine.
func (e *Engine) PageCount() int { return e.pages.Count() }

// PageSize returns the size in bytes of each DMA page.
func (e *Engine) PageSize() uint32 { return e.pages.PageSize() }

// PageData returns the backing buffer for DMA page i, the data a
// reader copies out of once LastGPCnt says it is resident.
func (e *Engine) PageData(i int) []byte { return e.pages.Page(i) }

// Close releases the register mapping and the DMA page pool. It does
// not stop a running Run goroutine; cancel its context first.
func (e *Engine) Close() error {
	err1 := e.io.Close()
	err2 := e.pages.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
