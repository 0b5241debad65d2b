package captureserver

import (
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cxadc-tools/cxcapture/pkg/cxconfig"
	"github.com/cxadc-tools/cxcapture/pkg/cxdma"
	"github.com/cxadc-tools/cxcapture/pkg/cxreader"
	"github.com/cxadc-tools/cxcapture/pkg/cxreader/store"
)

// newTestCxadcDevice builds a cxreader.Device over a fake register
// window and a small page pool, every page pre-filled with a
// distinguishable pattern. Nothing here drives the engine's DPC
// reactor, so these session-level tests exercise the state machine and
// writer-thread plumbing without asserting on bytes actually copied;
// pkg/cxreader's own tests cover the ISR/DPC-driven read path.
func newTestCxadcDevice(t *testing.T) *cxreader.Device {
	t.Helper()
	io := cxdma.NewFakeRegisterIO(0x8000)
	pages, err := cxdma.NewPagePool(4, 4096)
	require.NoError(t, err)
	t.Cleanup(func() { _ = pages.Close() })

	engine, err := cxdma.Open(io, pages, cxconfig.Default(), nil)
	require.NoError(t, err)
	for i := 0; i < engine.PageCount(); i++ {
		page := engine.PageData(i)
		for b := range page {
			page[b] = byte(i + 1)
		}
	}

	dev, err := cxreader.Open(engine, store.NewMemoryStore(), nil)
	require.NoError(t, err)
	return dev
}

func TestParseStartRequest_CxadcAndLinear(t *testing.T) {
	q, err := url.ParseQuery("cxadc0&cxadc1&linear&lrate=44100&lchannels=1&lformat=s16le")
	require.NoError(t, err)
	req, err := ParseStartRequest(q)
	require.NoError(t, err)
	require.ElementsMatch(t, []int{0, 1}, req.CxadcIndices)
	require.True(t, req.Linear)
	require.Equal(t, 44100, req.LinearRate)
	require.Equal(t, 1, req.LinearChannels)
	require.Equal(t, "s16le", req.LinearFormat)
}

func TestParseStartRequest_RejectsOutOfRangeRate(t *testing.T) {
	q, _ := url.ParseQuery("cxadc0&lrate=1000")
	_, err := ParseStartRequest(q)
	require.Error(t, err)
}

func TestParseStartRequest_RejectsEmptyRequest(t *testing.T) {
	q, _ := url.ParseQuery("")
	_, err := ParseStartRequest(q)
	require.ErrorIs(t, err, ErrNoSourcesRequested)
}

func TestStart_UnknownSource_FailsAndReturnsToIdle(t *testing.T) {
	s := NewSession(map[int]*cxreader.Device{0: newTestCxadcDevice(t)})
	resp := s.Start(StartRequest{CxadcIndices: []int{7}})
	require.Equal(t, "Failed", resp.State)
	require.NotEmpty(t, resp.FailReason)
	require.Equal(t, StateIdle, s.State())
}

func TestStart_Stop_RoundTrip(t *testing.T) {
	s := NewSession(map[int]*cxreader.Device{0: newTestCxadcDevice(t)})
	resp := s.Start(StartRequest{CxadcIndices: []int{0}})
	require.Equal(t, "Running", resp.State)
	require.Equal(t, StateRunning, s.State())

	// let the writer thread make at least one pass
	time.Sleep(20 * time.Millisecond)

	stop := s.Stop()
	require.Equal(t, "Idle", stop.State)
	require.Equal(t, StateIdle, s.State())
}

func TestStart_RaceLoserSeesCurrentState(t *testing.T) {
	s := NewSession(map[int]*cxreader.Device{0: newTestCxadcDevice(t)})
	s.state.store(StateStarting)
	resp := s.Start(StartRequest{CxadcIndices: []int{0}})
	require.Equal(t, "Starting", resp.State)
	require.Empty(t, resp.FailReason)
}

func TestStop_LoserWhenNotRunning(t *testing.T) {
	s := NewSession(map[int]*cxreader.Device{0: newTestCxadcDevice(t)})
	resp := s.Stop()
	require.Equal(t, "Idle", resp.State)
	require.Zero(t, resp.Overflows)
}

func TestStats_BareBeforeStart(t *testing.T) {
	s := NewSession(map[int]*cxreader.Device{0: newTestCxadcDevice(t)})
	stats := s.Stats()
	require.Equal(t, "Idle", stats.State)
	require.Nil(t, stats.Cxadc)
	require.Nil(t, stats.Linear)
}

func TestStats_ReportsSourcesWhileRunning(t *testing.T) {
	s := NewSession(map[int]*cxreader.Device{0: newTestCxadcDevice(t)})
	require.Equal(t, "Running", s.Start(StartRequest{CxadcIndices: []int{0}}).State)
	defer s.Stop()

	time.Sleep(20 * time.Millisecond)
	stats := s.Stats()
	require.Equal(t, "Running", stats.State)
	require.Len(t, stats.Cxadc, 1)
}

func TestStart_LinearWithoutOpener_Fails(t *testing.T) {
	s := NewSession(map[int]*cxreader.Device{0: newTestCxadcDevice(t)})
	resp := s.Start(StartRequest{Linear: true, LinearFormat: "s16le", LinearRate: 48000, LinearChannels: 2})
	require.Equal(t, "Failed", resp.State)
	require.Contains(t, resp.FailReason, "audio")
}
