// Package selfperf measures the capture server's own CPU cost using
// hardware performance counters, surfaced as a cycles-per-byte
// diagnostic alongside the capture-protocol stats. It is additive:
// a pump loop that never calls Measure behaves exactly as the
// spec describes it.
package selfperf

import (
	"sync"
	"sync/atomic"

	"github.com/elastic/go-perf"
)

// Monitor measures the instructions and CPU cycles spent inside
// repeated calls to Measure, accumulating totals a caller can turn
// into a cycles-per-byte figure.
type Monitor struct {
	mu    sync.Mutex
	group *perf.Group
	event *perf.Event

	totalCycles      atomic.Uint64
	totalInstrs      atomic.Uint64
	totalBytes       atomic.Uint64
}

// Open starts a perf event group (instructions, CPU cycles) scoped to
// the calling thread. Callers on other goroutines must call Measure
// from the same OS thread the group was opened on if they want
// per-thread counters to mean anything; the capture server's producer
// loops are already pinned one-thread-per-source for this reason.
func Open() (*Monitor, error) {
	group := &perf.Group{
		CountFormat: perf.CountFormat{
			Running: true,
		},
	}
	group.Add(perf.Instructions, perf.CPUCycles)

	event, err := group.Open(perf.CallingThread, perf.AnyCPU)
	if err != nil {
		return nil, err
	}
	return &Monitor{group: group, event: event}, nil
}

// Measure runs fn once, attributing its instructions and cycles to the
// monitor's running totals, and counts nBytes toward the denominator
// of CyclesPerByte.
func (m *Monitor) Measure(nBytes int, fn func()) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	gc, err := m.event.MeasureGroup(fn)
	if err != nil {
		return err
	}
	if len(gc.Values) >= 2 {
		m.totalInstrs.Add(uint64(gc.Values[0].Value))
		m.totalCycles.Add(uint64(gc.Values[1].Value))
	}
	m.totalBytes.Add(uint64(nBytes))
	return nil
}

// CyclesPerByte returns the running ratio of total cycles to total
// bytes measured, or 0 before the first Measure call.
func (m *Monitor) CyclesPerByte() float64 {
	bytes := m.totalBytes.Load()
	if bytes == 0 {
		return 0
	}
	return float64(m.totalCycles.Load()) / float64(bytes)
}

// TotalInstructions returns the cumulative instruction count observed.
func (m *Monitor) TotalInstructions() uint64 { return m.totalInstrs.Load() }

// TotalCycles returns the cumulative CPU cycle count observed.
func (m *Monitor) TotalCycles() uint64 { return m.totalCycles.Load() }

// Close releases the underlying perf event.
func (m *Monitor) Close() error {
	return m.event.Close()
}
