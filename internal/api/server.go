// Package api exposes the instrument over HTTP: status, scan and approach
// control, manual stepping, run listing with CSV export, heatmap rendering,
// and an SSE tail of state-machine transitions and live telemetry.
package api

import (
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/ICE-QTM/SSMiSS/internal/acquisition"
	"github.com/ICE-QTM/SSMiSS/internal/anc"
	"github.com/ICE-QTM/SSMiSS/internal/approach"
	"github.com/ICE-QTM/SSMiSS/internal/daq"
	"github.com/ICE-QTM/SSMiSS/internal/httputil"
	"github.com/ICE-QTM/SSMiSS/internal/scan"
	"github.com/ICE-QTM/SSMiSS/internal/scandb"
	"github.com/ICE-QTM/SSMiSS/internal/timeutil"
	"github.com/ICE-QTM/SSMiSS/internal/version"
)

// ANSI escape codes for request logging.
const colorCyan = "\033[36m"
const colorReset = "\033[0m"
const colorYellow = "\033[33m"
const colorBoldGreen = "\033[1;32m"
const colorBoldRed = "\033[1;31m"

// Stepper is the manual/approach step-control surface. *anc.ANC150
// satisfies it; nil means no step controller is attached.
type Stepper interface {
	approach.Stepper
	StepFixed(axis anc.Axis, dir anc.Direction, count int) error
}

// Server wires the instrument components behind HTTP handlers.
type Server struct {
	dev     daq.Device
	clock   timeutil.Clock
	ctrl    *scan.Controller
	machine *approach.Machine
	stepper Stepper       // may be nil
	store   *scandb.Store // may be nil
	hub     *eventHub

	// ScannerGain is the piezo calibration in um/V used for heatmap
	// axis relabelling. Zero means the nominal default.
	ScannerGain float64

	mu           sync.Mutex
	scanRunID    string
	scanCancel   func()
	scanLast     scan.Transition
	approachLast approach.Transition
	approachStop func()
	teleStop     func()
	teleBuf      *acquisition.Buffer
	teleRate     float64
}

// NewServer builds a server over the instrument components. stepper and
// store may be nil; the corresponding endpoints then report 503.
func NewServer(dev daq.Device, clock timeutil.Clock, ctrl *scan.Controller, machine *approach.Machine, stepper Stepper, store *scandb.Store) *Server {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Server{
		dev:     dev,
		clock:   clock,
		ctrl:    ctrl,
		machine: machine,
		stepper: stepper,
		store:   store,
		hub:     newEventHub(),
	}
}

// Close releases the event hub; in-flight SSE streams end.
func (s *Server) Close() {
	s.hub.Close()
}

// ServeMux returns the route table.
func (s *Server) ServeMux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/events", s.handleEvents)
	mux.HandleFunc("/api/scan/start", s.handleScanStart)
	mux.HandleFunc("/api/scan/abort", s.handleScanAbort)
	mux.HandleFunc("/api/approach/start", s.handleApproachStart)
	mux.HandleFunc("/api/approach/stop", s.handleApproachStop)
	mux.HandleFunc("/api/approach/history", s.handleApproachHistory)
	mux.HandleFunc("/api/step", s.handleStep)
	mux.HandleFunc("/api/telemetry", s.handleTelemetry)
	mux.HandleFunc("/api/telemetry/start", s.handleTelemetryStart)
	mux.HandleFunc("/api/telemetry/stop", s.handleTelemetryStop)
	mux.HandleFunc("/api/scans", s.handleScansList)
	mux.HandleFunc("/api/scans/export", s.handleScanExport)
	mux.HandleFunc("/api/scans/heatmap.png", s.handleHeatmapPNG)
	mux.HandleFunc("/api/scans/heatmap.html", s.handleHeatmapHTML)
	return mux
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
	default:
		return colorBoldRed + strconv.Itoa(statusCode) + colorReset
	}
}

// LoggingMiddleware logs method, path, status, and duration.
func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lrw := &loggingResponseWriter{w, http.StatusOK}
		next.ServeHTTP(lrw, r)
		log.Printf(
			"[%s] %s %s%s%s %vms",
			statusCodeColor(lrw.statusCode), r.Method,
			colorCyan, r.RequestURI, colorReset,
			float64(time.Since(start).Nanoseconds())/1e6,
		)
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	httputil.WriteJSON(w, status, payload)
}

func (s *Server) writeJSONError(w http.ResponseWriter, status int, msg string) {
	httputil.WriteJSONError(w, status, msg)
}

// StatusResponse is the /api/status payload.
type StatusResponse struct {
	Scan struct {
		State string `json:"state"`
		RunID string `json:"run_id,omitempty"`
		Row   int    `json:"row"`
		Rows  int    `json:"rows"`
	} `json:"scan"`
	Approach struct {
		State string `json:"state"`
		Stage int    `json:"stage"`
	} `json:"approach"`
	Stepper bool   `json:"stepper_attached"`
	Store   bool   `json:"store_attached"`
	Version string `json:"version"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	s.mu.Lock()
	var resp StatusResponse
	resp.Scan.State = s.ctrl.State().String()
	resp.Scan.RunID = s.scanRunID
	resp.Scan.Row = s.scanLast.Row
	resp.Scan.Rows = s.scanLast.Rows
	resp.Approach.State = s.machine.State().String()
	resp.Approach.Stage = s.machine.StageIndex()
	resp.Stepper = s.stepper != nil
	resp.Store = s.store != nil
	resp.Version = version.Version
	s.mu.Unlock()

	s.writeJSON(w, http.StatusOK, resp)
}
