// Package cxdma programs the CX2388x-style DMA engine: the RISC
// instruction stream, the on-chip SRAM cluster descriptor table, and
// the MMIO register set that drives capture start/stop and interrupt
// handling. It owns the hardware state; pkg/cxreader only observes it.
package cxdma

import "fmt"

// RegisterIO abstracts word-aligned 32-bit access to the device's MMIO
// window. A real deployment backs this with a mapping of the PCI BAR;
// tests and the simulated reactor back it with an in-memory register
// file.
type RegisterIO interface {
	// ReadReg returns the 32-bit value at the given byte offset.
	// Implementations MUST range-check off against the MMIO window and
	// return an error rather than read out of bounds.
	ReadReg(off uint32) (uint32, error)
	// WriteReg writes a 32-bit value at the given byte offset.
	WriteReg(off uint32, val uint32) error
	// WriteBuf writes a run of bytes starting at off, used for
	// multi-word SRAM structures (CDT descriptors, the command block).
	WriteBuf(off uint32, data []byte) error
	// Close releases the mapping, if any.
	Close() error
}

// ErrRegisterOutOfRange is returned by RegisterIO implementations when
// an offset falls outside the mapped MMIO window.
var ErrRegisterOutOfRange = fmt.Errorf("cxdma: register offset out of range")

// Register offsets and bitfield layouts, named after the hardware
// registers rather than any particular driver's source identifiers.
// Values come from the CX2388x register map; see DESIGN.md for the
// exact derivation of defaults not given symbolically by the spec.
const (
	regVideoOutputControl        = 0x2CC
	regVideoContrastBrightness   = 0x2E0
	regVBIPacketSizeDelay        = 0x398
	regVideoColorFormatControl   = 0x2E8
	regMiscAFEConfig             = 0x300
	regVideoSampleRateConversion = 0x418
	regVideoPLL                  = 0x108
	regVideoPLLAdjust            = 0x10C
	regAGCSyncSlicer             = 0x350
	regAGCControl                = 0x354
	regAGCSyncTipAdjust1         = 0x35C
	regAGCSyncTipAdjust2         = 0x360
	regAGCSyncTipAdjust3         = 0x364
	regAGCGainAdjust1            = 0x368
	regAGCGainAdjust2            = 0x36C
	regAGCGainAdjust3            = 0x370
	regAGCGainAdjust4            = 0x374
	regI2CDataControl            = 0x110
	regVideoInputFormat          = 0x310
	regVideoCaptureControl       = 0x104
	regVideoDeviceStatus         = 0x400
	regVideoVBIGPCounter         = 0x30C

	regDMACVBICnt1                = 0x09C
	regDMACVBIPtr2                = 0x0A0
	regDMACVBICnt2                = 0x0A4
	regDMACDeviceControl2         = 0x2D4
	regVideoIPBDMAControl         = 0x2C8
	regDMACVideoInterruptMask     = 0x28C
	regDMACVideoInterruptStatus   = 0x290
	regDMACVideoInterruptMStatus  = 0x294
	regMiscPCIInterruptMask       = 0x40C

	// On-chip SRAM layout.
	sramCDTBase         = 0x1000
	sramCDTBufBase      = 0x2000
	sramCmdsVBIBase     = 0x0180
	sramRISCQueueBase   = 0x0C00
)

// interruptVBIRISCI1 and friends are bit positions within the
// interrupt mask/status/mstatus registers.
const (
	intrVBIRISCI1 = 1 << 4
	intrVBIRISCI2 = 1 << 5
	intrVBIFIFOOf = 1 << 6
	intrVBISync   = 1 << 7
	intrOpcodeErr = 1 << 9
)

// statusLossOfSync is the sticky "loss of sync / FIFO overflow" bit in
// the video device status register.
const statusLossOfSync = 1 << 2

func videoOutputControl() uint32 {
	// hsfmt=1, hactext=1, range=1
	return (1 << 0) | (1 << 1) | (1 << 9)
}

func videoContrastBrightness() uint32 {
	// cntrst=0xFF
	return 0xFF << 8
}

func vbiPacketSizeDelay(frameSize uint32) uint32 {
	// vbi_v_del=2, frm_size=frameSize
	return (2 << 17) | (frameSize & 0x1FFF)
}

func videoColorFormatControl() uint32 {
	// color_even=0xE, color_odd=0xE
	return (0xE << 0) | (0xE << 4)
}

func miscAFEConfig() uint32 {
	// bg_pwrdn=1, dac_pwrdn=1
	return (1 << 8) | (1 << 9)
}

func videoSampleRateConversion() uint32 {
	return 0x20000
}

func videoPLL() uint32 {
	// pll_int=0x10, pll_dds=1
	return (0x10) | (1 << 26)
}

func agcSyncSlicer() uint32 {
	// sync_sam_dly=0xFF, bp_sam_dly=0xFF
	return (0xFF << 0) | (0xFF << 8)
}

func agcControl() uint32 {
	// intrvl_cnt_val=0xFFF, bp_ref=0x100, bp_ref_sel=1, agc_vbi_en=0, clamp_vbi_en=0
	return (0xFFF << 0) | (0x100 << 16) | (1 << 26)
}

func agcSyncTipAdjust1() uint32 {
	// trk_sat_val=0x0F, trk_mode_thr=0x1C0
	return (0x0F << 0) | (0x1C0 << 8)
}

func agcSyncTipAdjust2() uint32 {
	// acq_sat_val=0xF, acq_mode_thr=0x20
	return (0xF << 0) | (0x20 << 8)
}

func agcSyncTipAdjust3(accMax, accMin, lowStipTh uint32) uint32 {
	return (accMax & 0xFF) | ((accMin & 0xFF) << 8) | ((lowStipTh & 0xFFFF) << 16)
}

func agcGainAdjust1() uint32 {
	// trk_agc_sat_val=7, trk_agc_core_th_val=0xE, trk_agc_mode_th=0xE0
	return (7 << 0) | (0xE << 4) | (0xE0 << 8)
}

func agcGainAdjust2() uint32 {
	// acq_agc_sat_val=0xF, acq_gain_val=2, acq_agc_mode_th=0x20
	return (0xF << 0) | (2 << 4) | (0x20 << 8)
}

func agcGainAdjust3() uint32 {
	// acc_inc_val=0x50, acc_max_val=0x28, acc_min_val=0x28
	return (0x50 << 0) | (0x28 << 8) | (0x28 << 16)
}

func agcGainAdjust4(level uint32, sixdb bool) uint32 {
	// high_acc_val=0, low_acc_val=0xFF, init_vga_val=level, vga_en=0,
	// slice_ref_en=0, init_6db_val=sixdb
	v := (0x00 << 0) | (0xFF << 8) | ((level & 0x1F) << 16)
	if sixdb {
		v |= 1 << 31
	}
	return uint32(v)
}

func i2cDataControl() uint32 {
	// sda=1, scl=1
	return (1 << 0) | (1 << 1)
}

func videoInputFormat(vmux uint32) uint32 {
	// fmt=1, svid=1, agcen=1, yadc_sel=vmux, svid_c_sel=1
	return (1 << 0) | (1 << 1) | (1 << 2) | ((vmux & 0x3) << 5) | (1 << 7)
}

func videoCaptureControl(tenbit bool) uint32 {
	// capture_even=1, capture_odd=1, raw16=tenbit, cap_raw_all=1
	v := uint32((1 << 0) | (1 << 1) | (1 << 7))
	if tenbit {
		v |= 1 << 3
	}
	return v
}

func dmacDMACnt1(cnt1 uint32) uint32 { return cnt1 & 0xFFFF }
func dmacDMAPtr2(ptr2 uint32) uint32 { return ptr2 }
func dmacDMACnt2(cnt2 uint32) uint32 { return cnt2 & 0xFFFF }

func dmacDeviceControl2(runRisc bool) uint32 {
	if runRisc {
		return 1 << 30
	}
	return 0
}

func videoIPBDMAControl(fifoEn, riscEn bool) uint32 {
	var v uint32
	if fifoEn {
		v |= 1 << 11
	}
	if riscEn {
		v |= 1 << 12
	}
	return v
}

func interruptMaskAll() uint32 {
	return intrVBIRISCI1 | intrVBIRISCI2 | intrVBIFIFOOf | intrVBISync | intrOpcodeErr
}

func miscPCIInterruptMaskVideo() uint32 {
	return 1 << 0
}
