package api

import (
	"fmt"
	"net/http"

	"github.com/ICE-QTM/SSMiSS/internal/heatmap"
	"github.com/ICE-QTM/SSMiSS/internal/monitoring"
	"github.com/ICE-QTM/SSMiSS/internal/units"
)

func (s *Server) buildHeatmap(w http.ResponseWriter, r *http.Request) *heatmap.Grid {
	if r.Method != http.MethodGet {
		s.writeJSONError(w, http.StatusMethodNotAllowed, "Method not allowed")
		return nil
	}
	if s.store == nil {
		s.writeJSONError(w, http.StatusServiceUnavailable, "no scan store attached")
		return nil
	}
	runID := r.URL.Query().Get("id")
	if runID == "" {
		s.writeJSONError(w, http.StatusBadRequest, "missing id parameter")
		return nil
	}

	meta, err := s.loadGrid(runID)
	if err != nil {
		s.writeJSONError(w, http.StatusNotFound, err.Error())
		return nil
	}
	grid, err := heatmap.FromRows(meta.targets, meta.region.LowerY, meta.region.UpperY, meta.region.YSteps, meta.rows)
	if err != nil {
		s.writeJSONError(w, http.StatusInternalServerError, err.Error())
		return nil
	}

	// Axes default to commanded volts; ?units=um or nm relabels them via
	// the nominal scanner gain.
	if unit := r.URL.Query().Get("units"); unit != "" && unit != units.Volts {
		if !units.IsValid(unit) {
			s.writeJSONError(w, http.StatusBadRequest,
				fmt.Sprintf("units %q: want one of %s", unit, units.GetValidUnitsString()))
			return nil
		}
		gain := s.ScannerGain
		if gain == 0 {
			gain = units.NominalScannerGain
		}
		grid.XVolts = units.ConvertVoltages(grid.XVolts, gain, unit)
		grid.YVolts = units.ConvertVoltages(grid.YVolts, gain, unit)
		grid.AxisUnit = units.Label(unit)
	}
	return grid
}

func (s *Server) handleHeatmapPNG(w http.ResponseWriter, r *http.Request) {
	grid := s.buildHeatmap(w, r)
	if grid == nil {
		return
	}
	w.Header().Set("Content-Type", "image/png")
	if err := grid.RenderPNG(w, r.URL.Query().Get("id")); err != nil {
		monitoring.Logf("api: rendering heatmap png: %v", err)
	}
}

func (s *Server) handleHeatmapHTML(w http.ResponseWriter, r *http.Request) {
	grid := s.buildHeatmap(w, r)
	if grid == nil {
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := grid.RenderHTML(w, r.URL.Query().Get("id")); err != nil {
		monitoring.Logf("api: rendering heatmap html: %v", err)
	}
}
