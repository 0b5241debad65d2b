package captureserver

import (
	"context"
	"fmt"
	"io"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/c2h5oh/datasize"

	"github.com/cxadc-tools/cxcapture/pkg/ringbuf"
	"github.com/cxadc-tools/cxcapture/pkg/selfperf"
)

// producerChunk is the unit the writer thread asks the ring for on
// each pass, the CHUNK of the original pump-loop pseudocode.
const producerChunk = 64 * int(datasize.KB)

// cxadcRingSize is the MagicRingBuffer capacity behind each cxadc
// source: 1 GiB, written as a plain shift.
const cxadcRingSize = 1 << 30

// reader is the minimal surface a source's producer thread drains:
// cxreader.Handle satisfies it directly.
type reader interface {
	Read(ctx context.Context, p []byte) (int, error)
}

// source is one cxadc<N> or the audio/linear feed: a MagicRingBuffer,
// the device-side reader that fills it, and the single-reader-thread
// CAS slot the matching HTTP endpoint claims.
type source struct {
	name string
	ring *ringbuf.Ring
	dev  reader

	readerBusy atomic.Bool

	totalRead atomic.Uint64

	perf atomic.Pointer[selfperf.Monitor]
}

func newSource(name string, ringSize int, dev reader) (*source, error) {
	rb, err := ringbuf.New(ringSize)
	if err != nil {
		return nil, fmt.Errorf("captureserver: allocate ring for %s: %w", name, err)
	}
	return &source{name: name, ring: rb, dev: dev}, nil
}

// run is the source's writer thread: it busy-waits while the session
// is Starting, loops write_ptr/read/write_finished while Running, and
// exits as soon as the session leaves Running, counting an overflow
// every time write_ptr finds no room.
func (s *source) run(ctx context.Context, state func() CaptureState, overflow *atomic.Uint32) {
	// Per-thread hardware counters only mean anything measured from the
	// thread that opened them, so this goroutine pins itself for its
	// whole lifetime rather than sharing a monitor across sources.
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()
	if mon, err := selfperf.Open(); err == nil {
		s.perf.Store(mon)
		defer func() {
			s.perf.Store(nil)
			_ = mon.Close()
		}()
	}

	buf := make([]byte, producerChunk)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		switch state() {
		case StateStarting:
			time.Sleep(time.Microsecond)
			continue
		case StateRunning:
		default:
			return
		}

		ptr := s.ring.WritePtr(len(buf))
		if ptr == nil {
			overflow.Add(1)
			time.Sleep(time.Microsecond)
			continue
		}

		n, err := s.dev.Read(ctx, buf)
		if err != nil {
			if err == io.EOF {
				return
			}
			overflow.Add(1)
			continue
		}
		if mon := s.perf.Load(); mon != nil {
			_ = mon.Measure(n, func() { copy(ptr, buf[:n]) })
		} else {
			copy(ptr, buf[:n])
		}
		if err := s.ring.WriteFinished(n); err != nil {
			overflow.Add(1)
		}
	}
}

// pump drains s's ring to w until state leaves {Running, Stopping} or
// the ring empties during Stopping, matching the spec's pump-loop
// pseudocode exactly.
func (s *source) pump(ctx context.Context, w io.Writer, state func() CaptureState) error {
	if !s.readerBusy.CompareAndSwap(false, true) {
		return errReaderBusy
	}
	defer s.readerBusy.Store(false)

	// Commit the response before the first sample arrives, so the
	// client sees its stream open even while the ring is still empty.
	if _, err := w.Write(nil); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		st := state()
		if st != StateRunning && st != StateStopping {
			return nil
		}
		available := s.ring.Occupancy()
		if st == StateStopping && available == 0 {
			return nil
		}
		if available == 0 {
			time.Sleep(time.Microsecond)
			continue
		}
		ptr := s.ring.ReadPtr(available)
		if ptr == nil {
			time.Sleep(time.Microsecond)
			continue
		}
		n, err := w.Write(ptr)
		if err != nil {
			return err
		}
		if n == 0 {
			time.Sleep(time.Microsecond)
			continue
		}
		if err := s.ring.ReadFinished(n); err != nil {
			return err
		}
		s.totalRead.Add(uint64(n))
	}
}

// stats returns the {read, written, difference, difference_pct} tuple
// the /stats endpoint reports for this source.
func (s *source) stats() sourceStats {
	written := s.ring.TotalWritten()
	read := s.totalRead.Load()
	diff := written - read
	stats := sourceStats{Read: read, Written: written, Difference: diff, DifferencePct: s.ring.OccupancyPercent()}
	if mon := s.perf.Load(); mon != nil {
		stats.CyclesPerByte = mon.CyclesPerByte()
	}
	return stats
}

func (s *source) close() error {
	var devErr error
	if closer, ok := s.dev.(io.Closer); ok {
		devErr = closer.Close()
	}
	if err := s.ring.Close(); err != nil {
		return err
	}
	return devErr
}
