package cxdma

// RISC opcodes, matching the CX2388x's tiny DMA microcode format: each
// instruction is one or more 32-bit words, opcode in the top byte.
const (
	riscOpSync = 0x80 << 24
	riscOpJump = 0x70 << 24
	riscOpWrite = 0x10 << 24

	riscSOL  = 1 << 26
	riscEOL  = 1 << 27
	riscIRQ1 = 1 << 20
)

func riscSyncWord(cntCtl uint32) uint32 {
	return riscOpSync | ((cntCtl & 0x3) << 16)
}

func riscWriteWords(byteCount uint32, sol, eol, irq1 bool, cntCtl uint32, pciTargetAddr uint32) [2]uint32 {
	w := uint32(riscOpWrite) | (cntCtl&0x3)<<16 | (byteCount & 0xFFFF)
	if sol {
		w |= riscSOL
	}
	if eol {
		w |= riscEOL
	}
	if irq1 {
		w |= riscIRQ1
	}
	return [2]uint32{w, pciTargetAddr}
}

func riscJumpWords(jumpAddr uint32) [2]uint32 {
	return [2]uint32{riscOpJump, jumpAddr}
}

// buildRISCProgram lays out the instruction stream described in the
// data model: one SYNC, then for each of len(pageAddrs) pages a run of
// writesPerPage WRITEs of cdtBufLen bytes each targeting consecutive
// offsets within that page, then a JUMP back to the first WRITE
// (skipping the SYNC). The last WRITE of each page increments the
// device's page counter; the last WRITE of the last page additionally
// resets it; every irqPeriodInPages-th page's last WRITE requests an
// interrupt.
//
// baseAddr is the PCI-visible address of the first word of the
// returned stream; it is needed to compute the JUMP target, which must
// point at the first WRITE instruction rather than at the SYNC.
func buildRISCProgram(pageAddrs []uint32, cdtBufLen uint32, writesPerPage uint32, irqPeriodInPages uint32, baseAddr uint32) []uint32 {
	prog := make([]uint32, 0, 1+len(pageAddrs)*int(writesPerPage)*2+2)
	prog = append(prog, riscSyncWord(3))
	firstWriteAddr := baseAddr + 4 // one word past the SYNC

	for pageIdx, pageAddr := range pageAddrs {
		dmaAddr := pageAddr
		for writeIdx := uint32(0); writeIdx < writesPerPage; writeIdx++ {
			isLastWrite := writeIdx == writesPerPage-1
			cntCtl := uint32(0)
			irq1 := false
			if isLastWrite {
				cntCtl = 1
				if pageIdx == len(pageAddrs)-1 {
					cntCtl = 3
				}
				if (uint32(pageIdx+1) % irqPeriodInPages) == 0 {
					irq1 = true
				}
			}
			words := riscWriteWords(cdtBufLen, true, true, irq1, cntCtl, dmaAddr)
			prog = append(prog, words[0], words[1])
			dmaAddr += cdtBufLen
		}
	}

	jump := riscJumpWords(firstWriteAddr)
	prog = append(prog, jump[0], jump[1])
	return prog
}

// riscProgramBytes serializes a RISC instruction stream to
// little-endian bytes, the layout the device's DMA engine reads
// directly from host memory.
func riscProgramBytes(words []uint32) []byte {
	out := make([]byte, len(words)*4)
	for i, w := range words {
		out[i*4+0] = byte(w)
		out[i*4+1] = byte(w >> 8)
		out[i*4+2] = byte(w >> 16)
		out[i*4+3] = byte(w >> 24)
	}
	return out
}
