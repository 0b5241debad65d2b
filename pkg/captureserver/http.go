package captureserver

import (
	"encoding/json"
	"net/http"
	"strconv"
	"strings"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// Version is the fixed string /version reports.
const Version = "cxcapture-server 1.0"

const rootBody = "cxcapture capture server\n"

// Handler builds the session's HTTP dispatcher: the fixed root and
// version routes, the source-streaming routes, the lifecycle and
// stats routes, and an additive /metrics for Prometheus scraping.
func (s *Session) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleRoot)
	mux.HandleFunc("/version", s.handleVersion)
	mux.HandleFunc("/cxadc", s.handleCxadc)
	mux.HandleFunc("/linear", s.handleLinear)
	mux.HandleFunc("/start", s.handleStart)
	mux.HandleFunc("/stop", s.handleStop)
	mux.HandleFunc("/stats", s.handleStats)
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	return mux
}

func requireGET(w http.ResponseWriter, r *http.Request) bool {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", http.MethodGet)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (s *Session) handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !requireGET(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(rootBody))
}

func (s *Session) handleVersion(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	w.Header().Set("Content-Type", "text/plain")
	_, _ = w.Write([]byte(Version))
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// handleCxadc implements /cxadc?N: N is the bare query key, matching
// the ?cxadc0 start-request grammar reused as a single-source selector
// here (the server's own convention for "which source", distinct from
// the original's path-embedded index).
func (s *Session) handleCxadc(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	n, ok := firstIntKey(r.URL.RawQuery)
	if !ok {
		http.Error(w, "missing source index", http.StatusBadRequest)
		return
	}
	src, ok := s.cxadcSource(n)
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.streamSource(w, r, src)
}

func (s *Session) handleLinear(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	src, ok := s.linearSource()
	if !ok {
		http.NotFound(w, r)
		return
	}
	s.streamSource(w, r, src)
}

// streamSource claims src's single reader slot and pumps it to the
// response body; a slot already held by another connection is a
// silent no-op, matching the spec's "no-op if another reader already
// engaged" rule.
func (s *Session) streamSource(w http.ResponseWriter, r *http.Request, src *source) {
	w.Header().Set("Content-Type", "application/octet-stream")
	flusher, _ := w.(http.Flusher)
	sink := flushWriter{w: w, f: flusher}
	if err := src.pump(r.Context(), sink, s.state.load); err != nil && err != errReaderBusy {
		// the connection is already mid-response; nothing further to
		// report to the client beyond closing the stream.
		s.logf("source pump failed", zap.String("source", src.name), zap.Error(err))
	}
}

type flushWriter struct {
	w http.ResponseWriter
	f http.Flusher
}

func (fw flushWriter) Write(p []byte) (int, error) {
	n, err := fw.w.Write(p)
	if fw.f != nil {
		fw.f.Flush()
	}
	return n, err
}

// firstIntKey returns the first query key parseable as a non-negative
// integer, for /cxadc's bare ?N form.
func firstIntKey(rawQuery string) (int, bool) {
	for _, part := range strings.Split(rawQuery, "&") {
		key := part
		if i := strings.IndexByte(part, '='); i >= 0 {
			key = part[:i]
		}
		if n, err := strconv.Atoi(key); err == nil && n >= 0 {
			return n, true
		}
	}
	return 0, false
}

func (s *Session) handleStart(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	req, err := ParseStartRequest(r.URL.Query())
	if err != nil {
		s.logf("rejected start request", zap.String("query", r.URL.RawQuery), zap.Error(err))
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	resp := s.Start(req)
	if resp.FailReason != "" {
		s.logf("start failed", zap.String("fail_reason", resp.FailReason))
	}
	writeJSON(w, resp)
}

func (s *Session) handleStop(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	writeJSON(w, s.Stop())
}

func (s *Session) handleStats(w http.ResponseWriter, r *http.Request) {
	if !requireGET(w, r) {
		return
	}
	writeJSON(w, s.Stats())
}

// logf is a small convenience so handlers can log without every file
// importing zap directly for a one-line warning.
func (s *Session) logf(msg string, fields ...zap.Field) {
	s.logger.Warn(msg, fields...)
}
