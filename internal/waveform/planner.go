// Package waveform plans the analog output sequences for a raster scan.
//
// A scan row sweeps the x scanner voltage from lower to upper in discrete
// steps, dwelling at each step for the settle time, then retraces the same
// sweep in reverse. One y voltage is held per row. The plan is pure and
// deterministic: replanning from the same region reproduces the exact
// command sequence, which is what makes logged data reconstructible after
// the fact.
package waveform

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"time"

	"gonum.org/v1/gonum/floats"
)

// ErrInvalidRegion indicates malformed scan geometry. It is always detected
// before any hardware action.
var ErrInvalidRegion = errors.New("invalid scan region")

// Region describes a rectangular voltage-space scan. Immutable once a scan
// has started.
type Region struct {
	LowerX, UpperX float64
	XSteps         int
	LowerY, UpperY float64
	YSteps         int
	Settle         float64 // dwell per step, seconds
	SampleRate     float64 // output/input clock, Hz
}

// Validate checks the region invariants.
func (r Region) Validate() error {
	if r.XSteps < 2 {
		return fmt.Errorf("%w: x steps %d, need at least 2", ErrInvalidRegion, r.XSteps)
	}
	if r.YSteps < 1 {
		return fmt.Errorf("%w: y steps %d, need at least 1", ErrInvalidRegion, r.YSteps)
	}
	if r.Settle <= 0 {
		return fmt.Errorf("%w: settle time %g must be positive", ErrInvalidRegion, r.Settle)
	}
	if r.SampleRate <= 0 {
		return fmt.Errorf("%w: sample rate %g must be positive", ErrInvalidRegion, r.SampleRate)
	}
	if r.samplesPerStep() <= 0 {
		return fmt.Errorf("%w: settle %g at %g Hz yields no samples per step", ErrInvalidRegion, r.Settle, r.SampleRate)
	}
	return nil
}

func (r Region) samplesPerStep() int {
	return int(math.Round(r.Settle * r.SampleRate))
}

// Waveform is the planned output for one scan: the per-row x sequence
// (forward sweep followed by its exact reverse) and one y level per row.
type Waveform struct {
	X          []float64 // per-row sample sequence, length 2*XSteps*samplesPerStep
	Y          []float64 // one voltage per row
	SampleRate float64
}

// Plan derives the output sequences from the region. It is side-effect free
// and re-callable.
func Plan(r Region) (*Waveform, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}

	repeat := r.samplesPerStep()
	steps := floats.Span(make([]float64, r.XSteps), r.LowerX, r.UpperX)

	half := len(steps) * repeat
	x := make([]float64, 2*half)
	for i, v := range steps {
		for j := 0; j < repeat; j++ {
			x[i*repeat+j] = v
		}
	}
	// Retrace: second half is the first half reversed.
	for i := 0; i < half; i++ {
		x[half+i] = x[half-1-i]
	}

	var y []float64
	if r.YSteps == 1 {
		y = []float64{r.LowerY}
	} else {
		y = floats.Span(make([]float64, r.YSteps), r.LowerY, r.UpperY)
	}

	return &Waveform{X: x, Y: y, SampleRate: r.SampleRate}, nil
}

// RowLength is the number of samples in one row (forward plus retrace).
func (w *Waveform) RowLength() int { return len(w.X) }

// Rows is the number of scan rows.
func (w *Waveform) Rows() int { return len(w.Y) }

// TotalSamples is the sample count across all rows, excluding the final
// rest sample.
func (w *Waveform) TotalSamples() int { return w.RowLength() * w.Rows() }

// RowDuration is the wall time one row occupies at the plan's sample rate.
func (w *Waveform) RowDuration() time.Duration {
	return time.Duration(float64(w.RowLength()) / w.SampleRate * float64(time.Second))
}

// Row returns the two-channel output block for row i: channel 0 holds the
// row's y voltage at every sample, channel 1 the x sweep.
func (w *Waveform) Row(i int) [][]float64 {
	yRow := make([]float64, w.RowLength())
	for j := range yRow {
		yRow[j] = w.Y[i]
	}
	xRow := make([]float64, w.RowLength())
	copy(xRow, w.X)
	return [][]float64{yRow, xRow}
}

// TargetVoltages returns the distinct commanded x voltages in ascending
// order. With LowerX < UpperX this is the forward sweep's step values.
func (w *Waveform) TargetVoltages() []float64 {
	seen := make(map[float64]bool)
	var out []float64
	for _, v := range w.X {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	sort.Float64s(out)
	return out
}
