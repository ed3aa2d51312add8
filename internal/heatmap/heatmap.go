// Package heatmap renders the averaged scan image: one cell per (x target
// voltage, y row level), value = mean strain signal. PNG output goes through
// gonum/plot, interactive HTML through go-echarts.
package heatmap

import (
	"fmt"
	"math"
)

// Grid is a rectangular scan image. Cells is indexed [row][col]; XVolts
// labels the columns (x scanner targets) and YVolts the rows (y scanner
// levels).
type Grid struct {
	XVolts []float64
	YVolts []float64
	Cells  [][]float64

	// AxisUnit is the axis-label suffix, e.g. "(um)". Empty means "(V)".
	AxisUnit string
}

func (g *Grid) axisUnit() string {
	if g.AxisUnit == "" {
		return "(V)"
	}
	return g.AxisUnit
}

// New validates and builds a grid. Every row must span all columns.
func New(xVolts, yVolts []float64, cells [][]float64) (*Grid, error) {
	if len(xVolts) == 0 || len(yVolts) == 0 {
		return nil, fmt.Errorf("heatmap needs at least one column and one row")
	}
	if len(cells) != len(yVolts) {
		return nil, fmt.Errorf("heatmap has %d rows of cells but %d y levels", len(cells), len(yVolts))
	}
	for i, row := range cells {
		if len(row) != len(xVolts) {
			return nil, fmt.Errorf("heatmap row %d has %d cells but %d x targets", i, len(row), len(xVolts))
		}
	}
	return &Grid{XVolts: xVolts, YVolts: yVolts, Cells: cells}, nil
}

// FromRows builds a grid from per-row averages where the y levels are the
// evenly spaced scanner rows between lower and upper. Useful when only the
// row means survive (partial runs included: rows holds what completed).
func FromRows(xVolts []float64, lowerY, upperY float64, ySteps int, rows [][]float64) (*Grid, error) {
	if ySteps < 1 {
		return nil, fmt.Errorf("heatmap needs at least one y step")
	}
	if len(rows) > ySteps {
		return nil, fmt.Errorf("heatmap has %d rows but only %d y steps", len(rows), ySteps)
	}
	yVolts := make([]float64, len(rows))
	for i := range yVolts {
		if ySteps == 1 {
			yVolts[i] = lowerY
			continue
		}
		yVolts[i] = lowerY + (upperY-lowerY)*float64(i)/float64(ySteps-1)
	}
	return New(xVolts, yVolts, rows)
}

// Bounds returns the minimum and maximum cell values.
func (g *Grid) Bounds() (min, max float64) {
	min = math.Inf(1)
	max = math.Inf(-1)
	for _, row := range g.Cells {
		for _, v := range row {
			if v < min {
				min = v
			}
			if v > max {
				max = v
			}
		}
	}
	return min, max
}

// Dims implements plotter.GridXYZ.
func (g *Grid) Dims() (c, r int) { return len(g.XVolts), len(g.YVolts) }

// Z implements plotter.GridXYZ.
func (g *Grid) Z(c, r int) float64 { return g.Cells[r][c] }

// X implements plotter.GridXYZ.
func (g *Grid) X(c int) float64 { return g.XVolts[c] }

// Y implements plotter.GridXYZ.
func (g *Grid) Y(r int) float64 { return g.YVolts[r] }
