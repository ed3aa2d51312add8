package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ICE-QTM/SSMiSS/internal/acquisition"
	"github.com/ICE-QTM/SSMiSS/internal/monitoring"
)

// TelemetryRequest is the /api/telemetry/start body. Telemetry is the live
// strain readout used while stepping manually: a continuous acquisition
// whose trailing window is kept in memory and tailed over SSE.
type TelemetryRequest struct {
	Rate       float64 `json:"rate"`           // readout rate in Hz, default 10
	MemorySecs float64 `json:"memory_seconds"` // trailing window, default 10
	Channel    string  `json:"channel"`        // default ai0
}

func (req *TelemetryRequest) withDefaults() {
	if req.Rate <= 0 {
		req.Rate = 10
	}
	if req.MemorySecs <= 0 {
		req.MemorySecs = 10
	}
	if req.Channel == "" {
		req.Channel = "ai0"
	}
}

func (s *Server) handleTelemetryStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req TelemetryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("bad telemetry request: %v", err))
			return
		}
	}
	req.withDefaults()

	// Claim the telemetry slot before touching the device, so concurrent
	// starts cannot both pass the check and orphan a session.
	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	if s.teleStop != nil {
		s.mu.Unlock()
		cancel()
		s.writeJSONError(w, http.StatusConflict, "telemetry already running")
		return
	}
	s.teleStop = cancel
	s.mu.Unlock()

	release := func() {
		cancel()
		s.mu.Lock()
		s.teleStop = nil
		s.mu.Unlock()
	}

	// Sample at 10x the readout rate so each tick averages over fresh data.
	feedRate := 10 * req.Rate
	in, err := s.dev.NewInputTask([]string{req.Channel})
	if err != nil {
		release()
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	bufferSize := int(10 * feedRate)
	if bufferSize < 1000 {
		bufferSize = 1000
	}
	if err := in.ConfigureContinuous(feedRate, bufferSize); err != nil {
		in.Close()
		release()
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := in.Start(); err != nil {
		in.Close()
		release()
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	buf := acquisition.NewBuffer(1)
	buf.SetRetention(int(req.MemorySecs * feedRate))

	s.mu.Lock()
	s.teleBuf = buf
	s.teleRate = feedRate
	s.mu.Unlock()

	go func() {
		defer in.Close()
		defer func() {
			s.mu.Lock()
			s.teleStop = nil
			s.mu.Unlock()
		}()

		tick := s.clock.NewTicker(time.Duration(float64(time.Second) / req.Rate))
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C():
				chunk, err := in.ReadAvailable()
				if err != nil {
					monitoring.Logf("api: telemetry read: %v", err)
					return
				}
				if len(chunk) == 0 || len(chunk[0]) == 0 {
					continue
				}
				if err := buf.Append(chunk); err != nil {
					monitoring.Logf("api: telemetry buffer: %v", err)
					return
				}
				last := chunk[0][len(chunk[0])-1]
				s.hub.Publish("telemetry", map[string]any{
					"channel": req.Channel,
					"value":   last,
					"samples": len(chunk[0]),
				})
			}
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"result":  "telemetry started",
		"channel": req.Channel,
		"rate":    req.Rate,
	})
}

func (s *Server) handleTelemetryStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.mu.Lock()
	stop := s.teleStop
	s.mu.Unlock()
	if stop != nil {
		stop()
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "telemetry stopped"})
}

// handleTelemetry returns the trailing window of the live strain readout.
func (s *Server) handleTelemetry(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.mu.Lock()
	buf := s.teleBuf
	rate := s.teleRate
	s.mu.Unlock()
	if buf == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "telemetry has not been started")
		return
	}

	snapshot := buf.Snapshot()
	values := []float64{}
	if len(snapshot) > 0 {
		values = snapshot[0]
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"rate":   rate,
		"values": values,
	})
}
