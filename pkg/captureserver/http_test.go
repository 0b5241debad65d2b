package captureserver

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cxadc-tools/cxcapture/pkg/cxreader"
)

func TestHandler_RootAndVersion(t *testing.T) {
	s := NewSession(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp2, err := http.Get(srv.URL + "/version")
	require.NoError(t, err)
	defer resp2.Body.Close()
	body, _ := io.ReadAll(resp2.Body)
	require.Equal(t, Version, string(body))
}

func TestHandler_RejectsNonGET(t *testing.T) {
	s := NewSession(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/stats", "application/json", nil)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandler_UnknownPath404(t *testing.T) {
	s := NewSession(nil)
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/nope")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusNotFound, resp.StatusCode)
}

// TestHandler_StartStreamStop reproduces the literal start/read/stop
// end-to-end scenario: start a cxadc source, stream a few bytes over
// HTTP, then stop and see a non-negative overflow count.
func TestHandler_StartStreamStop(t *testing.T) {
	dev := newTestCxadcDevice(t)
	s := NewSession(map[int]*cxreader.Device{0: dev})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	startResp, err := http.Get(srv.URL + "/start?cxadc0")
	require.NoError(t, err)
	var start StartResponse
	require.NoError(t, json.NewDecoder(startResp.Body).Decode(&start))
	startResp.Body.Close()
	require.Equal(t, "Running", start.State)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/cxadc?0", nil)
	require.NoError(t, err)
	streamResp, err := http.DefaultClient.Do(req)
	if err == nil {
		buf := make([]byte, 4096)
		_, _ = streamResp.Body.Read(buf)
		streamResp.Body.Close()
	}

	stopResp, err := http.Get(srv.URL + "/stop")
	require.NoError(t, err)
	var stop StopResponse
	require.NoError(t, json.NewDecoder(stopResp.Body).Decode(&stop))
	stopResp.Body.Close()
	require.Equal(t, "Idle", stop.State)
	require.GreaterOrEqual(t, stop.Overflows, uint32(0))
}

// TestHandler_DoubleReaderRejection reproduces the second literal
// scenario: a second concurrent /cxadc?0 observes the CAS slot already
// held and returns immediately.
func TestHandler_DoubleReaderRejection(t *testing.T) {
	dev := newTestCxadcDevice(t)
	s := NewSession(map[int]*cxreader.Device{0: dev})
	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	_, err := http.Get(srv.URL + "/start?cxadc0")
	require.NoError(t, err)
	defer s.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 500*time.Millisecond)
	defer cancel()

	req1, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/cxadc?0", nil)
	first, err := http.DefaultClient.Do(req1)
	require.NoError(t, err)
	defer first.Body.Close()

	start := time.Now()
	second, err := http.Get(srv.URL + "/cxadc?0")
	require.NoError(t, err)
	defer second.Body.Close()
	_, _ = io.ReadAll(second.Body)
	require.Less(t, time.Since(start), 400*time.Millisecond)
}
