package daq

import (
	"errors"
	"math"
	"sync"
	"time"

	"github.com/ICE-QTM/SSMiSS/internal/timeutil"
)

// Status codes reported by the simulated card. The values match the NI-DAQmx
// codes for the equivalent failures so logs read the same against simulated
// and real hardware.
const (
	CodeInputOverflow  = -200279 // input backlog exceeded the task buffer
	CodeOutputUnderrun = -200290 // generation caught up with written data, regeneration disabled
)

// SimDevice is a software DAQ card. Sample generation and consumption are
// derived from an injected clock, so simulated runs are exact under a mock
// clock and realistic under the wall clock. The zero Signal yields silence.
type SimDevice struct {
	mu    sync.Mutex
	clock timeutil.Clock

	// Signal synthesizes the input: it is asked for the value of channel ch
	// at absolute sample index i.
	signal func(ch, i int) float64

	events  []string
	outputs []*SimOutputTask
}

// NewSimDevice creates a simulated card. signal may be nil for silence.
func NewSimDevice(clock timeutil.Clock, signal func(ch, i int) float64) *SimDevice {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &SimDevice{clock: clock, signal: signal}
}

// SetSignal replaces the input synthesizer.
func (d *SimDevice) SetSignal(signal func(ch, i int) float64) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.signal = signal
}

// Events returns the ordered record of task lifecycle events, for tests
// asserting start ordering.
func (d *SimDevice) Events() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.events))
	copy(out, d.events)
	return out
}

func (d *SimDevice) record(event string) {
	d.mu.Lock()
	d.events = append(d.events, event)
	d.mu.Unlock()
}

// fireTrigger releases every armed output task, as the shared digital edge
// would on real hardware.
func (d *SimDevice) fireTrigger(now time.Time) {
	d.mu.Lock()
	outputs := append([]*SimOutputTask(nil), d.outputs...)
	d.mu.Unlock()

	d.record("trigger.fire")
	for _, o := range outputs {
		o.onTrigger(now)
	}
}

// NewInputTask implements Device.
func (d *SimDevice) NewInputTask(channels []string) (InputTask, error) {
	if len(channels) == 0 {
		return nil, errors.New("input task needs at least one channel")
	}
	return &SimInputTask{dev: d, channels: len(channels)}, nil
}

// NewOutputTask implements Device.
func (d *SimDevice) NewOutputTask(channels []string, minVolt, maxVolt float64) (OutputTask, error) {
	if len(channels) == 0 {
		return nil, errors.New("output task needs at least one channel")
	}
	if minVolt >= maxVolt {
		return nil, errors.New("output task voltage limits inverted")
	}
	t := &SimOutputTask{dev: d, channels: len(channels), minVolt: minVolt, maxVolt: maxVolt}
	d.mu.Lock()
	d.outputs = append(d.outputs, t)
	d.mu.Unlock()
	return t, nil
}

// SimInputTask simulates a continuous analog input stream.
type SimInputTask struct {
	dev *SimDevice

	mu         sync.Mutex
	channels   int
	rate       float64
	bufferSize int
	started    bool
	closed     bool
	startTime  time.Time
	consumed   int
}

// ConfigureContinuous implements InputTask.
func (t *SimInputTask) ConfigureContinuous(rate float64, bufferSize int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rate <= 0 {
		return &DeviceError{Op: "input.configure", Err: errors.New("non-positive sample rate")}
	}
	t.rate = rate
	t.bufferSize = bufferSize
	return nil
}

// Start implements InputTask. It fires the shared start trigger.
func (t *SimInputTask) Start() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return &DeviceError{Op: "input.start", Err: errors.New("task closed")}
	}
	if t.rate <= 0 {
		t.mu.Unlock()
		return &DeviceError{Op: "input.start", Err: errors.New("clock not configured")}
	}
	now := t.dev.clock.Now()
	t.started = true
	t.startTime = now
	t.mu.Unlock()

	t.dev.record("input.start")
	t.dev.fireTrigger(now)
	return nil
}

// ReadAvailable implements InputTask.
func (t *SimInputTask) ReadAvailable() ([][]float64, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return nil, &DeviceError{Op: "input.read", Err: errors.New("task closed")}
	}
	if !t.started {
		return nil, &DeviceError{Op: "input.read", Err: errors.New("task not started")}
	}

	elapsed := t.dev.clock.Since(t.startTime).Seconds()
	total := int(math.Floor(elapsed * t.rate))
	backlog := total - t.consumed
	if t.bufferSize > 0 && backlog > t.bufferSize {
		return nil, &DeviceError{Op: "input.read", Code: CodeInputOverflow, Err: errors.New("input buffer overflow")}
	}

	t.dev.mu.Lock()
	signal := t.dev.signal
	t.dev.mu.Unlock()

	out := make([][]float64, t.channels)
	for ch := range out {
		out[ch] = make([]float64, backlog)
		if signal != nil {
			for i := 0; i < backlog; i++ {
				out[ch][i] = signal(ch, t.consumed+i)
			}
		}
	}
	t.consumed = total
	return out, nil
}

// Close implements InputTask.
func (t *SimInputTask) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.started = false
	t.closed = true
	return nil
}

// SimOutputTask simulates a finite analog output stream with regeneration
// disabled.
type SimOutputTask struct {
	dev *SimDevice

	mu        sync.Mutex
	channels  int
	minVolt   float64
	maxVolt   float64
	rate      float64
	total     int
	armed     bool
	started   bool
	running   bool
	closed    bool
	startTime time.Time
	written   int // samples per channel buffered so far
	buffer    [][]float64
}

// ConfigureFinite implements OutputTask.
func (t *SimOutputTask) ConfigureFinite(rate float64, total int) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if rate <= 0 || total <= 0 {
		return &DeviceError{Op: "output.configure", Err: errors.New("non-positive rate or sample count")}
	}
	t.rate = rate
	t.total = total
	t.buffer = make([][]float64, t.channels)
	return nil
}

// ArmStartTrigger implements OutputTask.
func (t *SimOutputTask) ArmStartTrigger(in InputTask) error {
	if _, ok := in.(*SimInputTask); !ok {
		return &DeviceError{Op: "output.arm", Err: errors.New("trigger source is not on the simulated card")}
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.armed = true
	return nil
}

// WriteMany implements OutputTask.
func (t *SimOutputTask) WriteMany(block [][]float64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return &DeviceError{Op: "output.write", Err: errors.New("task closed")}
	}
	if len(block) != t.channels {
		return &DeviceError{Op: "output.write", Err: errors.New("channel count mismatch")}
	}
	n := len(block[0])
	for ch, samples := range block {
		if len(samples) != n {
			return &DeviceError{Op: "output.write", Err: errors.New("ragged write block")}
		}
		for _, v := range samples {
			if v < t.minVolt || v > t.maxVolt {
				return &DeviceError{Op: "output.write", Err: errors.New("sample outside voltage limits")}
			}
		}
		t.buffer[ch] = append(t.buffer[ch], samples...)
	}
	t.written += n
	if t.total > 0 && t.written > t.total {
		return &DeviceError{Op: "output.write", Err: errors.New("write beyond finite sample count")}
	}
	return nil
}

// WriteOne implements OutputTask.
func (t *SimOutputTask) WriteOne(values []float64) error {
	block := make([][]float64, len(values))
	for i, v := range values {
		block[i] = []float64{v}
	}
	return t.WriteMany(block)
}

// Start implements OutputTask. With a trigger armed the task idles until
// the input stream fires the edge.
func (t *SimOutputTask) Start() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return &DeviceError{Op: "output.start", Err: errors.New("task closed")}
	}
	if t.rate <= 0 {
		return &DeviceError{Op: "output.start", Err: errors.New("clock not configured")}
	}
	t.started = true
	if !t.armed {
		t.running = true
		t.startTime = t.dev.clock.Now()
	}
	t.dev.record("output.start")
	return nil
}

func (t *SimOutputTask) onTrigger(now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.armed && t.started && !t.running && !t.closed {
		t.running = true
		t.startTime = now
	}
}

// generated returns how many samples per channel the clock has emitted.
func (t *SimOutputTask) generated() int {
	if !t.running {
		return 0
	}
	elapsed := t.dev.clock.Since(t.startTime).Seconds()
	n := int(math.Floor(elapsed * t.rate))
	if n > t.total {
		n = t.total
	}
	return n
}

// Done implements OutputTask. Generation overtaking the written buffer is an
// underrun and surfaces as a DeviceError, never as silent regeneration.
func (t *SimOutputTask) Done() (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return false, &DeviceError{Op: "output.done", Err: errors.New("task closed")}
	}
	n := t.generated()
	if n > t.written {
		return false, &DeviceError{Op: "output.done", Code: CodeOutputUnderrun, Err: errors.New("output buffer underrun")}
	}
	return n >= t.total, nil
}

// Stop implements OutputTask.
func (t *SimOutputTask) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.started = false
	t.dev.record("output.stop")
	return nil
}

// Close implements OutputTask.
func (t *SimOutputTask) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.running = false
	t.started = false
	t.closed = true
	return nil
}

// Written returns the number of samples per channel buffered so far, and the
// buffered data itself. Test helper.
func (t *SimOutputTask) Written() (int, [][]float64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]float64, len(t.buffer))
	for i := range t.buffer {
		out[i] = append([]float64(nil), t.buffer[i]...)
	}
	return t.written, out
}
