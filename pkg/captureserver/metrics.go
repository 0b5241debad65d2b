package captureserver

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	stateDesc = prometheus.NewDesc(
		"cxcapture_state",
		"Current capture state (0=Idle,1=Starting,2=Running,3=Stopping,4=Failed).",
		nil, nil,
	)
	overflowDesc = prometheus.NewDesc(
		"cxcapture_overflows_total",
		"Cumulative count of write_ptr misses, failed device reads and failed ring commits across every source.",
		nil, nil,
	)
	occupancyDesc = prometheus.NewDesc(
		"cxcapture_source_occupancy_bytes",
		"Unread bytes currently buffered for a source's ring.",
		[]string{"source"}, nil,
	)
)

// Describe implements prometheus.Collector.
func (s *Session) Describe(ch chan<- *prometheus.Desc) {
	ch <- stateDesc
	ch <- overflowDesc
	ch <- occupancyDesc
}

// Collect implements prometheus.Collector, reporting the session's
// state, overflow counter and per-source ring occupancy on every
// scrape — the read-only counterpart to /stats.
func (s *Session) Collect(ch chan<- prometheus.Metric) {
	ch <- prometheus.MustNewConstMetric(stateDesc, prometheus.GaugeValue, float64(s.State()))
	ch <- prometheus.MustNewConstMetric(overflowDesc, prometheus.CounterValue, float64(s.Overflows()))

	s.mu.Lock()
	defer s.mu.Unlock()
	for n, src := range s.cxadc {
		ch <- prometheus.MustNewConstMetric(occupancyDesc, prometheus.GaugeValue, float64(src.ring.Occupancy()), fmt.Sprintf("cxadc%d", n))
	}
	if s.linear != nil {
		ch <- prometheus.MustNewConstMetric(occupancyDesc, prometheus.GaugeValue, float64(s.linear.ring.Occupancy()), "linear")
	}
}
