// Package acquisition accumulates multi-channel DAQ samples and provides the
// chunked views the scan and telemetry paths consume.
package acquisition

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"gonum.org/v1/gonum/stat"
)

// ErrInsufficientData indicates an extraction larger than the buffered
// sample count. Callers are expected to check Len first; this is a
// precondition violation, not a condition to retry.
var ErrInsufficientData = errors.New("insufficient buffered data")

// Buffer accumulates inbound samples as channels x time. It grows without
// bound unless a retention limit is set, in which case the oldest samples
// beyond the limit are evicted after every append (the live-telemetry
// policy).
type Buffer struct {
	mu        sync.Mutex
	channels  int
	data      [][]float64
	retention int // max time-columns kept; 0 means unbounded
}

// NewBuffer creates a buffer for the given channel count.
func NewBuffer(channels int) *Buffer {
	data := make([][]float64, channels)
	return &Buffer{channels: channels, data: data}
}

// SetRetention bounds the buffer to at most n time-columns. Zero removes
// the bound.
func (b *Buffer) SetRetention(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.retention = n
	b.evictLocked()
}

// Channels returns the channel count.
func (b *Buffer) Channels() int { return b.channels }

// Len returns the buffered time-column count.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.data) == 0 {
		return 0
	}
	return len(b.data[0])
}

// Append adds newly read samples (channels x time) to the tail.
func (b *Buffer) Append(samples [][]float64) error {
	if len(samples) != b.channels {
		return fmt.Errorf("append of %d channels into %d-channel buffer", len(samples), b.channels)
	}
	n := len(samples[0])
	for _, ch := range samples {
		if len(ch) != n {
			return errors.New("append with ragged channel lengths")
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.data {
		b.data[i] = append(b.data[i], samples[i]...)
	}
	b.evictLocked()
	return nil
}

func (b *Buffer) evictLocked() {
	if b.retention <= 0 || len(b.data) == 0 {
		return
	}
	excess := len(b.data[0]) - b.retention
	if excess <= 0 {
		return
	}
	for i := range b.data {
		b.data[i] = append([]float64(nil), b.data[i][excess:]...)
	}
}

// ExtractFirst atomically removes and returns the first n time-columns.
func (b *Buffer) ExtractFirst(n int) ([][]float64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.data) == 0 || len(b.data[0]) < n {
		have := 0
		if len(b.data) > 0 {
			have = len(b.data[0])
		}
		return nil, fmt.Errorf("%w: want %d columns, have %d", ErrInsufficientData, n, have)
	}

	out := make([][]float64, b.channels)
	for i := range b.data {
		out[i] = append([]float64(nil), b.data[i][:n]...)
		b.data[i] = b.data[i][n:]
	}
	return out, nil
}

// Snapshot returns a copy of the buffered samples without removing them.
func (b *Buffer) Snapshot() [][]float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]float64, b.channels)
	for i := range b.data {
		out[i] = append([]float64(nil), b.data[i]...)
	}
	return out
}

// Reset discards all buffered samples.
func (b *Buffer) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i := range b.data {
		b.data[i] = nil
	}
}

// AverageByTarget groups chunk (one channel's samples) by the commanded
// voltage at the same time index and returns the per-target means in
// ascending target order. Averaging keys on what was commanded, not what
// was measured: the physical position lags the command, so only the
// commanded value is comparable across rows.
func AverageByTarget(chunk, targets []float64) (voltages, means []float64, err error) {
	if len(chunk) != len(targets) {
		return nil, nil, fmt.Errorf("chunk length %d does not match target length %d", len(chunk), len(targets))
	}

	groups := make(map[float64][]float64)
	for i, v := range targets {
		groups[v] = append(groups[v], chunk[i])
	}

	voltages = make([]float64, 0, len(groups))
	for v := range groups {
		voltages = append(voltages, v)
	}
	sort.Float64s(voltages)

	means = make([]float64, len(voltages))
	for i, v := range voltages {
		means[i] = stat.Mean(groups[v], nil)
	}
	return voltages, means, nil
}
