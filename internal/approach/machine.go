// Package approach implements the staged tip-approach procedure: coarse
// continuous stepping toward the sample, halted by closed-loop threshold
// detection on the derivative of the strain signal, then progressively
// finer stages after a retreat-and-settle backoff.
//
// The stop condition is safety-critical: the machine never retries a failed
// stepper write — any error forces a Stopped transition so motion ceases
// rather than continuing blind.
package approach

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ICE-QTM/SSMiSS/internal/anc"
	"github.com/ICE-QTM/SSMiSS/internal/monitoring"
	"github.com/ICE-QTM/SSMiSS/internal/timeutil"
)

// State is the lifecycle state of an approach run.
type State int

const (
	StateIdle State = iota
	StateStageRunning
	StateBackoff
	StateDone
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateStageRunning:
		return "stage-running"
	case StateBackoff:
		return "backoff"
	case StateDone:
		return "done"
	case StateStopped:
		return "stopped"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrBusy is returned when a run is started while another is in progress.
var ErrBusy = errors.New("an approach is already running")

// ErrStopped is returned when the run was halted by a forced stop rather
// than reaching the surface. Callers can distinguish it from normal
// completion (nil) and from device failures.
var ErrStopped = errors.New("approach stopped by operator")

// Stepper is the capability set the approach needs from the piezo step
// controller. *anc.ANC150 satisfies it.
type Stepper interface {
	SetMode(axis anc.Axis, mode anc.Mode) error
	SetVoltage(axis anc.Axis, volt int) error
	SetFrequency(axis anc.Axis, freq int) error
	StepContinuous(axis anc.Axis, dir anc.Direction) error
	StepWait(axis anc.Axis, dir anc.Direction, count int) error
	StopAxis(axis anc.Axis) error
}

// Feed supplies newly acquired strain samples; channel 0 is consumed.
// daq.InputTask satisfies it.
type Feed interface {
	ReadAvailable() ([][]float64, error)
}

// Stage is one phase of the approach with its own stepping parameters and
// stop threshold.
type Stage struct {
	Voltage   int     // stepping amplitude, volts
	Frequency int     // stepping rate, Hz
	StepCount int     // retreat distance before the next stage, steps
	Threshold float64 // stop when the strain derivative drops below this (negative) bound
}

// Transition is a state-machine notification delivered to observers.
type Transition struct {
	State State
	Stage int // current stage index, -1 before the first stage
	Err   error
}

// Config parametrises one approach run.
type Config struct {
	// Axis is the approach axis. Defaults to the z axis.
	Axis anc.Axis

	// Stages is the ordered stage list, coarse to fine. At least one.
	Stages []Stage

	// SampleRate is the threshold evaluation rate in Hz. Defaults to 10.
	SampleRate float64

	// FeedRate is the acquisition rate of the feed in Hz, used to
	// timestamp samples. Defaults to 5 * SampleRate.
	FeedRate float64

	// ConsecutiveRequired is how many successive threshold hits complete a
	// stage; a single non-qualifying sample resets the count. Debouncing
	// keeps one noise spike from halting a physical approach. Defaults
	// to 3.
	ConsecutiveRequired int

	// StabilizeDelay is the settling pause before each stage starts
	// stepping. Defaults to 5s.
	StabilizeDelay time.Duration

	// OnTransition, if set, observes every state change. Must not block.
	OnTransition func(Transition)

	// OnSample, if set, observes every evaluated sample and its
	// derivative, for live telemetry.
	OnSample func(t, value, derivative float64)
}

func (c Config) withDefaults() Config {
	cfg := c
	if cfg.Axis == 0 {
		cfg.Axis = anc.AxisZ
	}
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 10
	}
	if cfg.FeedRate <= 0 {
		cfg.FeedRate = 5 * cfg.SampleRate
	}
	if cfg.ConsecutiveRequired <= 0 {
		cfg.ConsecutiveRequired = 3
	}
	if cfg.StabilizeDelay == 0 {
		cfg.StabilizeDelay = 5 * time.Second
	}
	return cfg
}

// Machine runs staged approaches. One run may be active at a time.
type Machine struct {
	stepper Stepper
	clock   timeutil.Clock

	mu      sync.Mutex
	state   State
	stage   int
	running bool
	stop    chan struct{}

	// Per-run sample history: timestamps, strain values, derivatives.
	// Derivatives are computed against the previous global sample, with
	// the same formula within and across chunks.
	times  []float64
	values []float64
	derivs []float64

	consec int
	notify func(Transition)
}

// NewMachine creates an approach machine over the stepper.
func NewMachine(stepper Stepper, clock timeutil.Clock) *Machine {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Machine{stepper: stepper, clock: clock, state: StateIdle, stage: -1}
}

// State returns the current lifecycle state.
func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// StageIndex returns the current stage index; -1 before the first stage
// starts. The index advances monotonically within a run.
func (m *Machine) StageIndex() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.stage
}

// History returns copies of the per-run sample history.
func (m *Machine) History() (times, values, derivatives []float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]float64(nil), m.times...),
		append([]float64(nil), m.values...),
		append([]float64(nil), m.derivs...)
}

// Stop forces the run to halt. Motion stops, remaining stages and backoff
// are skipped, and Run returns ErrStopped.
func (m *Machine) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil {
		select {
		case <-m.stop:
		default:
			close(m.stop)
		}
	}
}

func (m *Machine) setState(s State, err error) {
	m.mu.Lock()
	m.state = s
	stage := m.stage
	notify := m.notify
	m.mu.Unlock()

	monitoring.Logf("approach: %s (stage %d)", s, stage)
	if notify != nil {
		notify(Transition{State: s, Stage: stage, Err: err})
	}
}

// Run executes the staged approach to completion. It is synchronous. The
// returned error is nil when the surface was reached (Done), ErrStopped on
// forced stop, and the underlying failure on stepper or acquisition errors;
// in both of the latter cases the machine lands in Stopped with motion
// halted.
func (m *Machine) Run(ctx context.Context, feed Feed, cfg Config) error {
	if len(cfg.Stages) == 0 {
		return errors.New("approach needs at least one stage")
	}
	cfg = cfg.withDefaults()

	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return ErrBusy
	}
	m.running = true
	m.state = StateIdle
	m.stage = -1
	m.stop = make(chan struct{})
	m.times = nil
	m.values = nil
	m.derivs = nil
	m.consec = 0
	m.notify = cfg.OnTransition
	m.mu.Unlock()

	err := m.run(ctx, feed, cfg)

	m.mu.Lock()
	m.running = false
	m.mu.Unlock()

	if err != nil {
		// Whatever happened, guarantee motion has ceased.
		m.stepper.StopAxis(cfg.Axis)
		m.setState(StateStopped, err)
		return err
	}
	m.setState(StateDone, nil)
	return nil
}

func (m *Machine) run(ctx context.Context, feed Feed, cfg Config) error {
	if err := m.stepper.SetMode(cfg.Axis, anc.ModeStp); err != nil {
		return err
	}

	for k, stage := range cfg.Stages {
		if k > 0 {
			// Retreat by the previous stage's step count and let the
			// mechanics settle before stepping with finer parameters.
			m.setState(StateBackoff, nil)
			if err := m.checkStop(ctx); err != nil {
				return err
			}
			if err := m.stepper.StepWait(cfg.Axis, anc.Down, cfg.Stages[k-1].StepCount); err != nil {
				return err
			}
		}
		m.clock.Sleep(cfg.StabilizeDelay)
		if err := m.checkStop(ctx); err != nil {
			return err
		}

		if err := m.runStage(ctx, feed, cfg, k, stage); err != nil {
			return err
		}
	}
	return nil
}

// runStage steps continuously toward the sample until the debounced
// threshold condition fires, then stops the axis.
func (m *Machine) runStage(ctx context.Context, feed Feed, cfg Config, k int, stage Stage) error {
	m.mu.Lock()
	m.stage = k
	m.consec = 0
	m.mu.Unlock()

	if err := m.stepper.SetVoltage(cfg.Axis, stage.Voltage); err != nil {
		return err
	}
	if err := m.stepper.SetFrequency(cfg.Axis, stage.Frequency); err != nil {
		return err
	}

	m.setState(StateStageRunning, nil)
	if err := m.stepper.StepContinuous(cfg.Axis, anc.Up); err != nil {
		return err
	}

	ticker := m.clock.NewTicker(time.Duration(float64(time.Second) / cfg.SampleRate))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ErrStopped
		case <-m.stop:
			return ErrStopped
		case <-ticker.C():
			chunk, err := feed.ReadAvailable()
			if err != nil {
				return err
			}
			if len(chunk) == 0 {
				continue
			}
			if m.ingest(chunk[0], cfg, stage) {
				// Stage complete: halt motion before anything else.
				return m.stepper.StopAxis(cfg.Axis)
			}
		}
	}
}

// ingest appends a chunk of strain samples, evaluating the derivative of
// each against the previous global sample — the formula does not change at
// chunk boundaries. It reports whether the debounced threshold fired.
func (m *Machine) ingest(samples []float64, cfg Config, stage Stage) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	dt := 1 / cfg.FeedRate
	for _, v := range samples {
		first := len(m.times) == 0
		var t float64
		if !first {
			t = m.times[len(m.times)-1] + dt
		}

		var d float64
		if !first {
			prevT := m.times[len(m.times)-1]
			prevV := m.values[len(m.values)-1]
			d = (v - prevV) / (t - prevT)
		}

		m.times = append(m.times, t)
		m.values = append(m.values, v)
		m.derivs = append(m.derivs, d)

		if cfg.OnSample != nil {
			cfg.OnSample(t, v, d)
		}

		// The very first sample has no derivative and never counts.
		if first {
			continue
		}
		if d < stage.Threshold {
			m.consec++
			if m.consec >= cfg.ConsecutiveRequired {
				return true
			}
		} else {
			m.consec = 0
		}
	}
	return false
}

func (m *Machine) checkStop(ctx context.Context) error {
	select {
	case <-ctx.Done():
		return ErrStopped
	case <-m.stop:
		return ErrStopped
	default:
		return nil
	}
}
