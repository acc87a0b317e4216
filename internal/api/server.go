// Package api exposes the running filter over HTTP: nominal commands and
// certificate notifications in, status and recorded telemetry out.
package api

import (
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/banshee-data/safety.filter/internal/certificate"
	"github.com/banshee-data/safety.filter/internal/db"
	"github.com/banshee-data/safety.filter/internal/filter"
	"github.com/banshee-data/safety.filter/internal/monitoring"
	"github.com/banshee-data/safety.filter/internal/version"
)

// ANSI escape codes for cyan and reset
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

const maxBodyBytes = 64 << 10

// Loop is the part of filter.Loop the API drives.
type Loop interface {
	SetNominal(u []float64)
	Stats() filter.Stats
	Phase() filter.Phase
}

// Notifier receives certificate-available signals.
type Notifier interface {
	Notify(available bool)
}

// Config wires a Server. DB and Notifier may be nil; the endpoints that
// need them then answer 503.
type Config struct {
	Loop        Loop
	Store       *certificate.Store
	Refresher   *certificate.Refresher
	Notifier    Notifier
	DB          *db.DB
	RunID       string
	ControlDims int
}

// Server serves the filter HTTP API.
type Server struct {
	loop        Loop
	store       *certificate.Store
	refresher   *certificate.Refresher
	notifier    Notifier
	db          *db.DB
	runID       string
	controlDims int
}

func NewServer(cfg Config) *Server {
	n := cfg.Notifier
	if n == nil && cfg.Refresher != nil {
		n = cfg.Refresher
	}
	return &Server{
		loop:        cfg.Loop,
		store:       cfg.Store,
		refresher:   cfg.Refresher,
		notifier:    n,
		db:          cfg.DB,
		runID:       cfg.RunID,
		controlDims: cfg.ControlDims,
	}
}

type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lrw *loggingResponseWriter) WriteHeader(code int) {
	lrw.statusCode = code
	lrw.ResponseWriter.WriteHeader(code)
}

func (lrw *loggingResponseWriter) Flush() {
	if flusher, ok := lrw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func statusCodeColor(statusCode int) string {
	switch {
	case statusCode >= 200 && statusCode < 300:
		return colorBoldGreen + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 300 && statusCode < 400:
		return colorYellow + strconv.Itoa(statusCode) + colorReset
	case statusCode >= 400:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	default:
		return strconv.Itoa(statusCode)
	}
}

// LoggingMiddleware logs method, path, query, status, and duration
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		monitoring.Logf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/nominal", s.postNominal)
	mux.HandleFunc("/api/certificate/available", s.postCertificateAvailable)
	mux.HandleFunc("/api/status", s.showStatus)
	mux.HandleFunc("/api/telemetry", s.listTelemetry)
	mux.HandleFunc("/api/failures", s.listFailures)
	mux.HandleFunc("/api/certificates", s.listCertificates)
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any, what string) {
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		monitoring.Logf("api: failed to write %s: %v", what, err)
	}
}

type nominalRequest struct {
	Control []float64 `json:"control"`
}

func (s *Server) postNominal(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.loop.Phase() == filter.PhaseShutdown {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Filter loop has shut down")
		return
	}

	var req nominalRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if s.controlDims > 0 && len(req.Control) != s.controlDims {
		s.writeJSONError(w, http.StatusBadRequest,
			fmt.Sprintf("'control' must have %d entries, got %d", s.controlDims, len(req.Control)))
		return
	}
	if len(req.Control) == 0 {
		s.writeJSONError(w, http.StatusBadRequest, "'control' is required")
		return
	}
	for _, v := range req.Control {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			s.writeJSONError(w, http.StatusBadRequest, "'control' must be finite")
			return
		}
	}

	s.loop.SetNominal(req.Control)
	s.writeJSON(w, http.StatusAccepted, map[string]any{"control": req.Control}, "nominal ack")
}

type availableRequest struct {
	Available *bool `json:"available"`
}

func (s *Server) postCertificateAvailable(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.notifier == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Certificate refresh is not configured")
		return
	}

	var req availableRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %v", err))
		return
	}
	if req.Available == nil {
		s.writeJSONError(w, http.StatusBadRequest, "'available' is required")
		return
	}

	s.notifier.Notify(*req.Available)
	s.writeJSON(w, http.StatusAccepted, map[string]bool{"available": *req.Available}, "certificate ack")
}

// CertificateStatus describes the installed certificate.
type CertificateStatus struct {
	Version     uint64    `json:"version"`
	Source      string    `json:"source"`
	InstalledAt time.Time `json:"installed_at"`
	Shape       []int     `json:"shape"`
	Rejected    int64     `json:"rejected"`
	Attempts    int64     `json:"refresh_attempts"`
	Failures    int64     `json:"refresh_failures"`
}

// Status is the /api/status response.
type Status struct {
	RunID       string             `json:"run_id"`
	Build       version.Info       `json:"build"`
	Loop        filter.Stats       `json:"loop"`
	Certificate *CertificateStatus `json:"certificate,omitempty"`
}

func (s *Server) status() Status {
	st := Status{RunID: s.runID, Build: version.Get(), Loop: s.loop.Stats()}
	if s.store != nil {
		snap := s.store.Current()
		cs := &CertificateStatus{
			Version:     snap.Version,
			Source:      snap.Source,
			InstalledAt: snap.InstalledAt,
			Shape:       snap.Table.Shape(),
			Rejected:    s.store.Rejected(),
		}
		if s.refresher != nil {
			cs.Attempts = s.refresher.Attempts()
			cs.Failures = s.refresher.Failures()
		}
		st.Certificate = cs
	}
	return st
}

func (s *Server) showStatus(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.writeJSON(w, http.StatusOK, s.status(), "status")
}

// limitParam reads ?limit=, defaulting to 100.
func limitParam(r *http.Request) (int, error) {
	l := r.URL.Query().Get("limit")
	if l == "" {
		return 100, nil
	}
	n, err := strconv.Atoi(l)
	if err != nil || n < 1 {
		return 0, fmt.Errorf("invalid 'limit' parameter")
	}
	return n, nil
}

// historyRequest does the shared method, db and limit checks for the
// history endpoints. It reports false after writing an error.
func (s *Server) historyRequest(w http.ResponseWriter, r *http.Request) (int, bool) {
	w.Header().Set("Content-Type", "application/json")

	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return 0, false
	}
	if s.db == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "Telemetry database is not configured")
		return 0, false
	}
	limit, err := limitParam(r)
	if err != nil {
		s.writeJSONError(w, http.StatusBadRequest, "Invalid 'limit' parameter")
		return 0, false
	}
	return limit, true
}

func (s *Server) listTelemetry(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.historyRequest(w, r)
	if !ok {
		return
	}
	runID := r.URL.Query().Get("run_id")
	if runID == "" {
		runID = s.runID
	}
	rows, err := s.db.RecentCycles(runID, limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve telemetry: %v", err))
		return
	}
	if rows == nil {
		rows = []db.CycleRow{}
	}
	s.writeJSON(w, http.StatusOK, rows, "telemetry")
}

func (s *Server) listFailures(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.historyRequest(w, r)
	if !ok {
		return
	}
	rows, err := s.db.FailureEvents(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve failure events: %v", err))
		return
	}
	if rows == nil {
		rows = []db.FailureRow{}
	}
	s.writeJSON(w, http.StatusOK, rows, "failure events")
}

func (s *Server) listCertificates(w http.ResponseWriter, r *http.Request) {
	limit, ok := s.historyRequest(w, r)
	if !ok {
		return
	}
	rows, err := s.db.Certificates(limit)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to retrieve certificates: %v", err))
		return
	}
	if rows == nil {
		rows = []db.CertificateRow{}
	}
	s.writeJSON(w, http.StatusOK, rows, "certificates")
}
