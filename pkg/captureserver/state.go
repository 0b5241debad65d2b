package captureserver

import "sync/atomic"

// CaptureState is the session-wide capture lifecycle: Idle -> Starting
// -> Running -> Stopping -> Idle, with a failure branch Starting ->
// Failed -> Idle. No code path moves Running to Failed; a source whose
// writer stops while Running leaves the session in Running.
type CaptureState int32

const (
	StateIdle CaptureState = iota
	StateStarting
	StateRunning
	StateStopping
	StateFailed
)

func (s CaptureState) String() string {
	switch s {
	case StateIdle:
		return "Idle"
	case StateStarting:
		return "Starting"
	case StateRunning:
		return "Running"
	case StateStopping:
		return "Stopping"
	case StateFailed:
		return "Failed"
	default:
		return "Unknown"
	}
}

// stateBox is a CAS-guarded CaptureState. Only the caller whose
// CompareAndSwap observes the expected "from" state may perform a
// transition; losers act on whatever state they actually find.
type stateBox struct {
	v atomic.Int32
}

func (b *stateBox) load() CaptureState {
	return CaptureState(b.v.Load())
}

func (b *stateBox) store(s CaptureState) {
	b.v.Store(int32(s))
}

func (b *stateBox) compareAndSwap(from, to CaptureState) bool {
	return b.v.CompareAndSwap(int32(from), int32(to))
}
