package captureserver

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/cxadc-tools/cxcapture/pkg/cxreader"
)

func TestSession_MetricsRegistersAndReportsState(t *testing.T) {
	s := NewSession(map[int]*cxreader.Device{})
	require.Equal(t, 1, testutil.GatherAndCount(s.registry, "cxcapture_state"))
}

func TestSession_MetricsReportsOccupancyWhileRunning(t *testing.T) {
	dev := newTestCxadcDevice(t)
	s := NewSession(map[int]*cxreader.Device{0: dev})
	require.Equal(t, "Running", s.Start(StartRequest{CxadcIndices: []int{0}}).State)
	defer s.Stop()

	require.Equal(t, 1, testutil.GatherAndCount(s.registry, "cxcapture_source_occupancy_bytes"))
}
