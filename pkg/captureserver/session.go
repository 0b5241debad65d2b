// Package captureserver implements the CaptureServer: a multi-source
// producer/consumer fan-out over MagicRingBuffer instances, driven by
// a small HTTP control surface and a single CAS-guarded state machine.
package captureserver

import (
	"context"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/cxadc-tools/cxcapture/pkg/cxreader"
)

// Session is the singleton CaptureSession: it owns every cxadc and
// linear source for one server process, the global capture state
// machine, and the writer-thread lifecycle for the current run.
type Session struct {
	devices     map[int]*cxreader.Device
	audioOpener AudioOpener
	logger      *zap.Logger
	registry    *prometheus.Registry

	state    stateBox
	overflow atomic.Uint32

	mu      sync.Mutex // guards everything below, held only around state transitions
	cxadc   map[int]*source
	linear  *source
	cancel  context.CancelFunc
	writers *errgroup.Group
}

// Option configures a Session at construction.
type Option func(*Session)

// WithAudioOpener wires in the linear source's bootstrap function.
// Without one, /start?linear always fails with ErrAudioUnavailable.
func WithAudioOpener(o AudioOpener) Option {
	return func(s *Session) { s.audioOpener = o }
}

// WithLogger attaches a logger; the zero value is a no-op logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// NewSession returns an Idle Session over devices, keyed by the cxadc
// index a /start or /cxadc?N request names.
func NewSession(devices map[int]*cxreader.Device, opts ...Option) *Session {
	s := &Session{
		devices:     devices,
		audioOpener: noAudioOpener,
		logger:      zap.NewNop(),
		cxadc:       make(map[int]*source),
	}
	for _, o := range opts {
		o(s)
	}
	s.registry = prometheus.NewRegistry()
	s.registry.MustRegister(s)
	return s
}

// State returns the session's current capture state.
func (s *Session) State() CaptureState { return s.state.load() }

// Overflows returns the session-wide overflow counter.
func (s *Session) Overflows() uint32 { return s.overflow.Load() }

var cxadcParam = regexp.MustCompile(`^cxadc(\d+)$`)

// StartRequest is the parsed form of a /start query string.
type StartRequest struct {
	CxadcIndices []int

	Linear         bool
	LinearName     string
	LinearRate     int
	LinearChannels int
	LinearFormat   string
}

// ParseStartRequest parses a /start query string per the spec's
// cxadc<N>/linear/lname=/lrate=/lchannels=/lformat= grammar, applying
// the documented defaults and range checks for lrate/lchannels.
func ParseStartRequest(q url.Values) (StartRequest, error) {
	req := StartRequest{
		LinearRate:     defaultLinearRate,
		LinearChannels: defaultLinearChannels,
		LinearFormat:   defaultLinearFormat,
	}
	for k := range q {
		if m := cxadcParam.FindStringSubmatch(k); m != nil {
			n, err := strconv.Atoi(m[1])
			if err != nil || n < 0 || n >= 256 {
				return StartRequest{}, fmt.Errorf("captureserver: invalid cxadc index in %q", k)
			}
			req.CxadcIndices = append(req.CxadcIndices, n)
		}
	}
	if _, ok := q["linear"]; ok {
		req.Linear = true
	}
	if v := q.Get("lname"); v != "" {
		req.LinearName = v
	}
	if v := q.Get("lrate"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minLinearRate || n > maxLinearRate {
			return StartRequest{}, fmt.Errorf("captureserver: lrate %q out of range [%d,%d]", v, minLinearRate, maxLinearRate)
		}
		req.LinearRate = n
	}
	if v := q.Get("lchannels"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < minLinearChannels || n > maxLinearChannels {
			return StartRequest{}, fmt.Errorf("captureserver: lchannels %q out of range [%d,%d]", v, minLinearChannels, maxLinearChannels)
		}
		req.LinearChannels = n
	}
	if v := q.Get("lformat"); v != "" {
		if _, err := linearSampleSize(v); err != nil {
			return StartRequest{}, err
		}
		req.LinearFormat = v
	}
	if len(req.CxadcIndices) == 0 && !req.Linear {
		return StartRequest{}, ErrNoSourcesRequested
	}
	return req, nil
}

// StartResponse is the /start JSON body: success carries timing and
// the chosen linear configuration, failure carries only state and
// fail_reason.
type StartResponse struct {
	State          string `json:"state"`
	CxadcNs        int64  `json:"cxadc_ns,omitempty"`
	LinearNs       int64  `json:"linear_ns,omitempty"`
	LinearRate     int    `json:"linear_rate,omitempty"`
	LinearChannels int    `json:"linear_channels,omitempty"`
	LinearFormat   string `json:"linear_format,omitempty"`
	FailReason     string `json:"fail_reason,omitempty"`
}

// Start races the session from Idle to Starting; a losing caller gets
// back whatever state the winner has reached so far. The winner opens
// every requested source, spawns its writer thread, and finally stores
// Running (or, on any bootstrap failure, tears everything back down
// and stores Failed then Idle). Only the winner holds Starting, so these
// plain stores race with no other transition.
func (s *Session) Start(req StartRequest) StartResponse {
	if !s.state.compareAndSwap(StateIdle, StateStarting) {
		return StartResponse{State: s.state.load().String()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	group, gctx := errgroup.WithContext(ctx)
	s.cancel = cancel
	s.writers = group

	var resp StartResponse
	cxadcStart := time.Now()
	for _, n := range req.CxadcIndices {
		dev, ok := s.devices[n]
		if !ok {
			s.failStart(fmt.Sprintf("unknown cxadc%d", n), &resp)
			return resp
		}
		src, err := newSource(fmt.Sprintf("cxadc%d", n), cxadcRingSize, dev.OpenHandle())
		if err != nil {
			s.failStart(err.Error(), &resp)
			return resp
		}
		s.cxadc[n] = src
		group.Go(func() error {
			src.run(gctx, s.state.load, &s.overflow)
			return nil
		})
	}
	resp.CxadcNs = time.Since(cxadcStart).Nanoseconds()

	if req.Linear {
		linearStart := time.Now()
		sampleSize, err := linearSampleSize(req.LinearFormat)
		if err != nil {
			s.failStart(err.Error(), &resp)
			return resp
		}
		dev, err := s.audioOpener(req.LinearName, req.LinearRate, req.LinearChannels, req.LinearFormat)
		if err != nil {
			s.failStart(err.Error(), &resp)
			return resp
		}
		ringSize := (2 << 20) * sampleSize
		src, err := newSource("linear", ringSize, dev)
		if err != nil {
			_ = dev.Close()
			s.failStart(err.Error(), &resp)
			return resp
		}
		s.linear = src
		group.Go(func() error {
			src.run(gctx, s.state.load, &s.overflow)
			return nil
		})
		resp.LinearNs = time.Since(linearStart).Nanoseconds()
		resp.LinearRate = req.LinearRate
		resp.LinearChannels = req.LinearChannels
		resp.LinearFormat = req.LinearFormat
	}

	s.state.store(StateRunning)
	resp.State = StateRunning.String()
	return resp
}

// failStart tears down whatever sources this Start call already
// acquired and leaves the session Idle, per the spec's "bootstrap
// failure of a source" error kind. Every writer goroutine is joined
// before any ring is closed, since WritePtr still dereferences the
// ring's mapped memory until its goroutine observes the cancellation.
func (s *Session) failStart(reason string, resp *StartResponse) {
	s.cancel()
	_ = s.writers.Wait()
	for n, src := range s.cxadc {
		_ = src.close()
		delete(s.cxadc, n)
	}
	if s.linear != nil {
		_ = s.linear.close()
		s.linear = nil
	}
	s.state.store(StateFailed)
	s.state.store(StateIdle)
	*resp = StartResponse{State: StateFailed.String(), FailReason: reason}
}

// StopResponse is the /stop JSON body.
type StopResponse struct {
	State     string `json:"state"`
	Overflows uint32 `json:"overflows"`
}

// Stop races Running to Stopping; a losing caller gets back the
// current state with no overflow count. The winner joins every writer
// thread, waits for reader slots to clear, frees every ring, and
// returns to Idle.
func (s *Session) Stop() StopResponse {
	if !s.state.compareAndSwap(StateRunning, StateStopping) {
		return StopResponse{State: s.state.load().String()}
	}

	s.mu.Lock()
	cxadc := s.cxadc
	linear := s.linear
	writers := s.writers
	s.mu.Unlock()

	_ = writers.Wait()
	s.cancel()

	for waitForReaders(cxadc, linear) {
		time.Sleep(100 * time.Microsecond)
	}

	s.mu.Lock()
	for n, src := range s.cxadc {
		_ = src.close()
		delete(s.cxadc, n)
	}
	if s.linear != nil {
		_ = s.linear.close()
		s.linear = nil
	}
	s.mu.Unlock()

	s.state.store(StateIdle)
	return StopResponse{State: StateIdle.String(), Overflows: s.overflow.Load()}
}

func waitForReaders(cxadc map[int]*source, linear *source) bool {
	for _, src := range cxadc {
		if src.readerBusy.Load() {
			return true
		}
	}
	return linear != nil && linear.readerBusy.Load()
}

// sourceStats is one element of the /stats "cxadc" array, and the
// shape of the "linear" object.
type sourceStats struct {
	Read          uint64  `json:"read"`
	Written       uint64  `json:"written"`
	Difference    uint64  `json:"difference"`
	DifferencePct int     `json:"difference_pct"`
	CyclesPerByte float64 `json:"cycles_per_byte,omitempty"`
}

// StatsResponse is the /stats JSON body. Outside Running it carries
// only State, matching the original's bare-object response. Cxadc is
// ordered by source index, not tagged with it, matching the original
// array shape.
type StatsResponse struct {
	State     string        `json:"state"`
	Overflows uint32        `json:"overflows,omitempty"`
	Linear    *sourceStats  `json:"linear,omitempty"`
	Cxadc     []sourceStats `json:"cxadc,omitempty"`
}

// Stats reports the session's current state and, while Running, every
// active source's read/written/difference counters.
func (s *Session) Stats() StatsResponse {
	st := s.state.load()
	if st != StateRunning {
		return StatsResponse{State: st.String()}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	resp := StatsResponse{State: st.String(), Overflows: s.overflow.Load()}
	indices := make([]int, 0, len(s.cxadc))
	for n := range s.cxadc {
		indices = append(indices, n)
	}
	sort.Ints(indices)
	for _, n := range indices {
		resp.Cxadc = append(resp.Cxadc, s.cxadc[n].stats())
	}
	if s.linear != nil {
		stats := s.linear.stats()
		resp.Linear = &stats
	}
	return resp
}

// cxadcSource returns the named source if the session currently has it
// open (Running or Stopping), for /cxadc?N's pump.
func (s *Session) cxadcSource(n int) (*source, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	src, ok := s.cxadc[n]
	return src, ok
}

// linearSource returns the linear source if currently open.
func (s *Session) linearSource() (*source, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.linear == nil {
		return nil, false
	}
	return s.linear, true
}
