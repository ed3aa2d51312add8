package api

import (
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/ICE-QTM/SSMiSS/internal/anc"
)

// StepRequest is the /api/step body: a one-shot manual move.
type StepRequest struct {
	Axis      int    `json:"axis"`
	Direction string `json:"direction"` // "up" or "down"
	Count     int    `json:"count"`
	Voltage   int    `json:"voltage"`   // 0 leaves the amplitude unchanged
	Frequency int    `json:"frequency"` // 0 leaves the rate unchanged
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.stepper == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "no step controller attached")
		return
	}

	var req StepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("bad step request: %v", err))
		return
	}

	var dir anc.Direction
	switch req.Direction {
	case "up":
		dir = anc.Up
	case "down":
		dir = anc.Down
	default:
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("direction %q: want up or down", req.Direction))
		return
	}
	if req.Count <= 0 {
		s.writeJSONError(w, http.StatusBadRequest, "count must be positive")
		return
	}

	axis := anc.Axis(req.Axis)
	if axis < anc.AxisX || axis > anc.AxisZ {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("axis %d: want 1..3", req.Axis))
		return
	}
	if err := s.stepper.SetMode(axis, anc.ModeStp); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Voltage > 0 {
		if err := s.stepper.SetVoltage(axis, req.Voltage); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if req.Frequency > 0 {
		if err := s.stepper.SetFrequency(axis, req.Frequency); err != nil {
			s.writeJSONError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	if err := s.stepper.StepFixed(axis, dir, req.Count); err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]any{
		"result": "stepped",
		"axis":   req.Axis,
		"count":  req.Count,
	})
}
