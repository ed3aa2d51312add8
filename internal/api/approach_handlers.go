package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/ICE-QTM/SSMiSS/internal/anc"
	"github.com/ICE-QTM/SSMiSS/internal/approach"
	"github.com/ICE-QTM/SSMiSS/internal/monitoring"
)

// ApproachRequest is the /api/approach/start body. The zero value runs the
// bench-default two-stage approach: coarse 1000-step stage at 200 Hz, fine
// 200-step stage at 50 Hz, both at 12 V with a -5e-7 V/s threshold.
type ApproachRequest struct {
	Axis   int `json:"axis"`
	Stages []struct {
		Voltage   int     `json:"voltage"`
		Frequency int     `json:"frequency"`
		StepCount int     `json:"stepcount"`
		Threshold float64 `json:"threshold"`
	} `json:"stages"`
	SampleRate    float64 `json:"sample_rate"`
	Consecutive   int     `json:"consecutive_required"`
	StabilizeSecs float64 `json:"stabilize_seconds"`
}

func defaultStages() []approach.Stage {
	return []approach.Stage{
		{Voltage: 12, Frequency: 200, StepCount: 1000, Threshold: -5e-7},
		{Voltage: 12, Frequency: 50, StepCount: 200, Threshold: -5e-7},
	}
}

func (s *Server) handleApproachStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.stepper == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "no step controller attached")
		return
	}

	var req ApproachRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("bad approach request: %v", err))
			return
		}
	}

	cfg := approach.Config{
		Axis:                anc.Axis(req.Axis),
		SampleRate:          req.SampleRate,
		ConsecutiveRequired: req.Consecutive,
		StabilizeDelay:      time.Duration(req.StabilizeSecs * float64(time.Second)),
	}
	if len(req.Stages) == 0 {
		cfg.Stages = defaultStages()
	} else {
		for _, st := range req.Stages {
			cfg.Stages = append(cfg.Stages, approach.Stage(st))
		}
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 10
	}
	cfg.FeedRate = 5 * cfg.SampleRate

	cfg.OnTransition = func(tr approach.Transition) {
		s.mu.Lock()
		s.approachLast = tr
		s.mu.Unlock()
		payload := map[string]any{"state": tr.State.String(), "stage": tr.Stage}
		if tr.Err != nil {
			payload["error"] = tr.Err.Error()
		}
		s.hub.Publish("approach", payload)
	}
	cfg.OnSample = func(t, value, derivative float64) {
		s.hub.Publish("approach.sample", map[string]float64{
			"t": t, "value": value, "derivative": derivative,
		})
	}

	if s.machine.State() == approach.StateStageRunning || s.machine.State() == approach.StateBackoff {
		s.writeJSONError(w, http.StatusConflict, approach.ErrBusy.Error())
		return
	}

	// The approach owns its own strain feed at 5x the evaluation rate.
	in, err := s.dev.NewInputTask([]string{"ai0"})
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	bufferSize := int(5 * cfg.FeedRate)
	if bufferSize < 1000 {
		bufferSize = 1000
	}
	if err := in.ConfigureContinuous(cfg.FeedRate, bufferSize); err != nil {
		in.Close()
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err := in.Start(); err != nil {
		in.Close()
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.approachStop = cancel
	s.mu.Unlock()

	go func() {
		defer cancel()
		defer in.Close()
		if err := s.machine.Run(ctx, in, cfg); err != nil {
			monitoring.Logf("api: approach ended: %v", err)
		}
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{"result": "approach started"})
}

func (s *Server) handleApproachStop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.machine.Stop()
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "stop requested"})
}

func (s *Server) handleApproachHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	times, values, derivs := s.machine.History()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"times":       times,
		"values":      values,
		"derivatives": derivs,
	})
}
