package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/ICE-QTM/SSMiSS/internal/monitoring"
	"github.com/ICE-QTM/SSMiSS/internal/scan"
	"github.com/ICE-QTM/SSMiSS/internal/scandb"
	"github.com/ICE-QTM/SSMiSS/internal/waveform"
)

// ScanRequest is the /api/scan/start body. Omitted fields fall back to the
// bench defaults: a 21x21 sweep of the full 0..7V scanner range at 100 Hz.
type ScanRequest struct {
	LowerVX  float64 `json:"lowervx"`
	UpperVX  float64 `json:"uppervx"`
	LowerVY  float64 `json:"lowervy"`
	UpperVY  float64 `json:"uppervy"`
	XSteps   int     `json:"xsteps"`
	YSteps   int     `json:"ysteps"`
	Settle   float64 `json:"settle"`
	DataRate float64 `json:"data_rate"`
	Refresh  float64 `json:"refresh"`
	Log      bool    `json:"log"`
	Group    string  `json:"groupname"`
}

func (req *ScanRequest) withDefaults(now time.Time) {
	if req.UpperVX == 0 && req.LowerVX == 0 {
		req.UpperVX = 7
	}
	if req.UpperVY == 0 && req.LowerVY == 0 {
		req.UpperVY = 7
	}
	if req.XSteps == 0 {
		req.XSteps = 21
	}
	if req.YSteps == 0 {
		req.YSteps = 21
	}
	if req.Settle == 0 {
		req.Settle = 0.5
	}
	if req.DataRate == 0 {
		req.DataRate = 100
	}
	if req.Refresh == 0 {
		req.Refresh = 1
	}
	if req.Group == "" {
		req.Group = now.Format("20060102-150405")
	}
}

func (req ScanRequest) region() waveform.Region {
	return waveform.Region{
		LowerX: req.LowerVX, UpperX: req.UpperVX, XSteps: req.XSteps,
		LowerY: req.LowerVY, UpperY: req.UpperVY, YSteps: req.YSteps,
		Settle: req.Settle, SampleRate: req.DataRate,
	}
}

func (s *Server) handleScanStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}

	var req ScanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, fmt.Sprintf("bad scan request: %v", err))
		return
	}
	req.withDefaults(s.clock.Now())

	region := req.region()
	if err := region.Validate(); err != nil {
		s.writeJSONError(w, http.StatusBadRequest, err.Error())
		return
	}

	if s.ctrl.State() == scan.StateRunning || s.ctrl.State() == scan.StateArmed {
		s.writeJSONError(w, http.StatusConflict, scan.ErrBusy.Error())
		return
	}

	runID := uuid.NewString()
	groupName := waveform.GroupName(region, req.Group)
	logging := req.Log && s.store != nil

	if logging {
		err := s.store.CreateRun(scandb.Run{
			ID:        runID,
			GroupName: groupName,
			DataRate:  region.SampleRate,
			Status:    scandb.StatusRunning,
			StartedAt: s.clock.Now(),
		})
		if err != nil {
			s.writeJSONError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	opts := scan.Options{
		Refresh: req.Refresh,
		OnTransition: func(tr scan.Transition) {
			s.mu.Lock()
			s.scanLast = tr
			s.mu.Unlock()
			s.hub.Publish("scan", map[string]any{
				"run_id": runID,
				"state":  tr.State.String(),
				"row":    tr.Row,
				"rows":   tr.Rows,
			})
		},
		OnRow: func(row int, chunk [][]float64, voltages, means []float64) {
			if logging {
				if err := s.store.InsertRowMeans(runID, row, voltages, means); err != nil {
					monitoring.Logf("api: recording row %d of run %s: %v", row, runID, err)
				}
				if err := s.store.InsertSamples(runID, row*len(chunk[0]), chunk); err != nil {
					monitoring.Logf("api: recording samples of run %s: %v", runID, err)
				}
			}
			s.hub.Publish("scan.row", map[string]any{
				"run_id":   runID,
				"row":      row,
				"voltages": voltages,
				"means":    means,
			})
		},
	}

	ctx, cancel := context.WithCancel(context.Background())
	s.mu.Lock()
	s.scanRunID = runID
	s.scanCancel = cancel
	s.scanLast = scan.Transition{}
	s.mu.Unlock()

	go func() {
		defer cancel()
		err := s.ctrl.Run(ctx, region, opts)

		status := scandb.StatusComplete
		if err != nil {
			status = scandb.StatusAborted
			monitoring.Logf("api: scan %s ended: %v", runID, err)
		}
		if logging {
			if dbErr := s.store.FinishRun(runID, status, s.clock.Now()); dbErr != nil {
				monitoring.Logf("api: closing run %s: %v", runID, dbErr)
			}
		}
		payload := map[string]any{"run_id": runID, "status": status}
		if err != nil {
			payload["error"] = err.Error()
		}
		s.hub.Publish("scan.done", payload)
	}()

	s.writeJSON(w, http.StatusAccepted, map[string]string{
		"run_id":     runID,
		"group_name": groupName,
	})
}

func (s *Server) handleScanAbort(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	s.ctrl.Abort()
	s.writeJSON(w, http.StatusOK, map[string]string{"result": "abort requested"})
}

func (s *Server) handleScansList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "no scan store attached")
		return
	}

	runs, err := s.store.ListRuns()
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return
	}
	type runJSON struct {
		ID         string     `json:"id"`
		GroupName  string     `json:"group_name"`
		DataRate   float64    `json:"data_rate"`
		Status     string     `json:"status"`
		StartedAt  time.Time  `json:"started_at"`
		FinishedAt *time.Time `json:"finished_at,omitempty"`
	}
	out := make([]runJSON, 0, len(runs))
	for _, run := range runs {
		out = append(out, runJSON(run))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleScanExport(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "no scan store attached")
		return
	}
	runID := r.URL.Query().Get("id")
	if runID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "missing id parameter")
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", runID+".csv"))
	if err := s.store.ExportCSV(w, runID); err != nil {
		monitoring.Logf("api: exporting run %s: %v", runID, err)
	}
}

// loadGrid reassembles the heatmap grid for a stored run.
func (s *Server) loadGrid(runID string) (*gridWithMeta, error) {
	run, err := s.store.GetRun(runID)
	if err != nil {
		return nil, err
	}
	region, err := waveform.ParseGroupName(run.GroupName)
	if err != nil {
		return nil, err
	}
	targets, rows, err := s.store.Grid(runID)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, errors.New("run has no recorded rows")
	}
	return &gridWithMeta{run: run, region: region, targets: targets, rows: rows}, nil
}

type gridWithMeta struct {
	run     scandb.Run
	region  waveform.Region
	targets []float64
	rows    [][]float64
}
