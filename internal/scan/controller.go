// Package scan coordinates one triggered write+read cycle against the DAQ
// card and sequences programmed multi-scan runs.
//
// The controller owns the hardware synchronization contract: the output
// stream is started first and idles on a digital start trigger, the input
// stream is started second and fires that trigger, so commanded voltage and
// sampled strain share one hardware time base from sample zero. After the
// trigger the two streams run autonomously; software only tops up the output
// buffer one row at a time and periodically drains the input buffer. Both
// periodic activities run on a single select loop, so the shared buffers are
// only ever touched from one logical thread of control.
package scan

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ICE-QTM/SSMiSS/internal/acquisition"
	"github.com/ICE-QTM/SSMiSS/internal/daq"
	"github.com/ICE-QTM/SSMiSS/internal/monitoring"
	"github.com/ICE-QTM/SSMiSS/internal/timeutil"
	"github.com/ICE-QTM/SSMiSS/internal/waveform"
)

// State is the lifecycle state of a scan run.
type State int

const (
	StateIdle State = iota
	StateArmed
	StateRunning
	StateDraining
	StateComplete
	StateAborted
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateArmed:
		return "armed"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateComplete:
		return "complete"
	case StateAborted:
		return "aborted"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ErrBusy is returned when a run is started while another is in progress.
var ErrBusy = errors.New("a scan is already running")

// ErrAborted is returned when a run was cancelled by the caller.
var ErrAborted = errors.New("scan aborted")

// Transition is a state-machine notification delivered to observers.
type Transition struct {
	State State
	Row   int // rows fully acquired so far
	Rows  int // total rows in the scan
	Err   error
}

// Options configures one scan run.
type Options struct {
	// InputChannels are the analog input channels to sample; channel 0 is
	// the strain gauge.
	InputChannels []string

	// OutputChannels are the analog output channels; channel 0 drives the
	// y scanner and channel 1 the x scanner.
	OutputChannels []string

	// MinVolt and MaxVolt bound the output task.
	MinVolt, MaxVolt float64

	// Refresh is the input drain interval in seconds. Defaults to 1.
	Refresh float64

	// PollInterval is the output-done poll period. Defaults to 100ms.
	PollInterval time.Duration

	// OnTransition, if set, observes every state change. Pure
	// notification; must not block.
	OnTransition func(Transition)

	// OnRow, if set, receives each completed row: the raw chunk
	// (channels x time) extracted from the acquisition buffer and the
	// per-target-voltage means of channel 0.
	OnRow func(row int, chunk [][]float64, voltages, means []float64)
}

func (o Options) withDefaults() Options {
	opts := o
	if len(opts.InputChannels) == 0 {
		opts.InputChannels = []string{"ai0", "ai1"}
	}
	if len(opts.OutputChannels) == 0 {
		opts.OutputChannels = []string{"ao0", "ao1"}
	}
	if opts.MinVolt == 0 && opts.MaxVolt == 0 {
		opts.MinVolt, opts.MaxVolt = 0, 7
	}
	if opts.Refresh <= 0 {
		opts.Refresh = 1
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = 100 * time.Millisecond
	}
	return opts
}

// Controller runs triggered scans. One run may be active at a time; Run
// reports ErrBusy otherwise. Acquired data is retained across aborts for
// post-mortem inspection.
type Controller struct {
	dev   daq.Device
	clock timeutil.Clock

	mu      sync.Mutex
	state   State
	running bool
	abort   chan struct{}
	buf     *acquisition.Buffer

	// Run-scoped fields below are owned by the Run goroutine.
	plan        *waveform.Waveform
	in          daq.InputTask
	out         daq.OutputTask
	opts        Options
	nextRow     int
	rowsDone    int
	restWritten bool
}

// New creates a controller for the device.
func New(dev daq.Device, clock timeutil.Clock) *Controller {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	return &Controller{dev: dev, clock: clock, state: StateIdle}
}

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Buffer returns the acquisition buffer of the current or most recent run.
// Data left in it after an abort is intentionally preserved.
func (c *Controller) Buffer() *acquisition.Buffer {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.buf
}

// Abort requests cancellation of the active run. It is safe to call at any
// time and is a no-op with no run in progress.
func (c *Controller) Abort() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.abort != nil {
		select {
		case <-c.abort:
		default:
			close(c.abort)
		}
	}
}

func (c *Controller) setState(s State, err error) {
	c.mu.Lock()
	c.state = s
	rowsDone, rows := c.rowsDone, 0
	if c.plan != nil {
		rows = c.plan.Rows()
	}
	notify := c.opts.OnTransition
	c.mu.Unlock()

	monitoring.Logf("scan: %s (row %d/%d)", s, rowsDone, rows)
	if notify != nil {
		notify(Transition{State: s, Row: rowsDone, Rows: rows, Err: err})
	}
}

// Run executes one scan to completion. It is synchronous; callers wanting a
// background run start it on their own goroutine. The returned error is nil
// on Complete, ErrAborted on cancellation, and a *daq.DeviceError on any
// hardware failure. Acquired samples stay in Buffer whatever the outcome.
func (c *Controller) Run(ctx context.Context, region waveform.Region, opts Options) error {
	plan, err := waveform.Plan(region)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return ErrBusy
	}
	o := opts.withDefaults()
	c.running = true
	c.state = StateIdle
	c.abort = make(chan struct{})
	c.buf = acquisition.NewBuffer(len(o.InputChannels))
	c.plan = plan
	c.opts = o
	c.in = nil
	c.out = nil
	c.nextRow = 0
	c.rowsDone = 0
	c.restWritten = false
	c.mu.Unlock()

	err = c.run(ctx)

	c.mu.Lock()
	c.running = false
	c.mu.Unlock()

	if err != nil {
		c.setState(StateAborted, err)
		return err
	}
	c.setState(StateComplete, nil)
	return nil
}

func (c *Controller) run(ctx context.Context) error {
	if err := c.arm(); err != nil {
		c.teardown()
		return err
	}
	defer c.teardown()

	if err := c.start(); err != nil {
		return err
	}

	feed := c.clock.NewTicker(c.plan.RowDuration())
	defer feed.Stop()
	poll := c.clock.NewTicker(c.opts.PollInterval)
	defer poll.Stop()
	drain := c.clock.NewTicker(time.Duration(c.opts.Refresh * float64(time.Second)))
	defer drain.Stop()

	for {
		select {
		case <-ctx.Done():
			return ErrAborted
		case <-c.abort:
			return ErrAborted

		case <-feed.C():
			if err := c.feedTick(); err != nil {
				return err
			}
			if c.restWritten {
				feed.Stop()
			}

		case <-drain.C():
			if err := c.drainTick(); err != nil {
				return err
			}

		case <-poll.C():
			done, err := c.out.Done()
			if err != nil {
				return err
			}
			if done {
				return c.finish()
			}
		}
	}
}

// arm pre-loads the output buffer and configures both clocks. The first two
// rows must be buffered before either stream starts: regeneration is
// disabled, so priming ahead of the clock is what makes an under-run
// detectable instead of silently replaying stale data.
func (c *Controller) arm() error {
	in, err := c.dev.NewInputTask(c.opts.InputChannels)
	if err != nil {
		return err
	}
	c.in = in

	bufferSize := c.plan.RowLength()
	if bufferSize < 1000 {
		bufferSize = 1000
	}
	if err := in.ConfigureContinuous(c.plan.SampleRate, 10*bufferSize); err != nil {
		return err
	}

	out, err := c.dev.NewOutputTask(c.opts.OutputChannels, c.opts.MinVolt, c.opts.MaxVolt)
	if err != nil {
		return err
	}
	c.out = out

	// Total finite count covers every row plus the final rest sample.
	if err := out.ConfigureFinite(c.plan.SampleRate, c.plan.TotalSamples()+1); err != nil {
		return err
	}
	if err := out.ArmStartTrigger(in); err != nil {
		return err
	}

	for c.nextRow < c.plan.Rows() && c.nextRow < 2 {
		if err := out.WriteMany(c.plan.Row(c.nextRow)); err != nil {
			return err
		}
		c.nextRow++
	}
	if c.nextRow == c.plan.Rows() {
		if err := c.writeRest(); err != nil {
			return err
		}
	}

	c.setState(StateArmed, nil)
	return nil
}

// start launches the streams in trigger order: output first (idling on the
// trigger), input second (firing it).
func (c *Controller) start() error {
	if err := c.out.Start(); err != nil {
		return err
	}
	if err := c.in.Start(); err != nil {
		return err
	}
	c.setState(StateRunning, nil)
	return nil
}

// feedTick tops up the output buffer with the next row, or the final rest
// sample once all rows are written.
func (c *Controller) feedTick() error {
	if c.restWritten {
		return nil
	}
	if c.nextRow < c.plan.Rows() {
		if err := c.out.WriteMany(c.plan.Row(c.nextRow)); err != nil {
			return err
		}
		c.nextRow++
		if c.nextRow < c.plan.Rows() {
			return nil
		}
	}
	return c.writeRest()
}

// writeRest parks the scanners at zero volts with one final sample.
func (c *Controller) writeRest() error {
	rest := make([]float64, len(c.opts.OutputChannels))
	if err := c.out.WriteOne(rest); err != nil {
		return err
	}
	c.restWritten = true
	return nil
}

// drainTick moves newly acquired samples into the buffer and hands every
// completed row to the row consumer.
func (c *Controller) drainTick() error {
	samples, err := c.in.ReadAvailable()
	if err != nil {
		return err
	}
	if len(samples) > 0 && len(samples[0]) > 0 {
		if err := c.buf.Append(samples); err != nil {
			return err
		}
	}
	return c.consumeRows()
}

func (c *Controller) consumeRows() error {
	rowLen := c.plan.RowLength()
	for c.rowsDone < c.plan.Rows() && c.buf.Len() >= rowLen {
		chunk, err := c.buf.ExtractFirst(rowLen)
		if err != nil {
			return err
		}
		row := c.rowsDone
		c.rowsDone++

		if c.opts.OnRow != nil {
			voltages, means, err := acquisition.AverageByTarget(chunk[0], c.plan.X)
			if err != nil {
				return err
			}
			c.opts.OnRow(row, chunk, voltages, means)
		}
	}
	return nil
}

// finish drains whatever the input stream still holds and completes.
func (c *Controller) finish() error {
	c.setState(StateDraining, nil)
	if err := c.drainTick(); err != nil {
		return err
	}
	return nil
}

// teardown stops and releases both tasks. Acquired data stays in the
// buffer; there is no rollback of partial rows.
func (c *Controller) teardown() {
	if c.out != nil {
		c.out.Stop()
		c.out.Close()
	}
	if c.in != nil {
		c.in.Close()
	}
}
