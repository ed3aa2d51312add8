// Package daq defines the capability boundary to the data-acquisition card
// and provides a software simulation of it.
//
// The boundary mirrors what the scan controller actually needs from the
// hardware: a continuous-clocked analog input stream, a finite-clocked
// analog output stream with regeneration disabled, a digital-edge start
// trigger coupling the two, a non-blocking "read everything available", and
// an "is output done" query. Drivers for real cards implement these
// interfaces at the edge of the program; everything inside stays testable.
package daq

import "fmt"

// DeviceError is any hardware or driver failure reported by a task. It is
// always fatal to the run in progress; the core never retries.
type DeviceError struct {
	Op   string // operation that failed, e.g. "output.write"
	Code int    // device-reported status code, 0 if none
	Err  error  // underlying error, may be nil
}

func (e *DeviceError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("daq: %s failed (code %d): %v", e.Op, e.Code, e.Err)
	}
	return fmt.Sprintf("daq: %s failed (code %d)", e.Op, e.Code)
}

func (e *DeviceError) Unwrap() error { return e.Err }

// Device creates input and output tasks over named channels.
type Device interface {
	// NewInputTask creates an analog input task over the named channels.
	NewInputTask(channels []string) (InputTask, error)

	// NewOutputTask creates an analog output task over the named channels
	// with the given voltage limits. Regeneration is disabled: if the
	// generation clock drains the buffer past what has been written, the
	// task fails rather than silently replaying stale samples.
	NewOutputTask(channels []string, minVolt, maxVolt float64) (OutputTask, error)
}

// InputTask is a continuous hardware-clocked analog input stream.
type InputTask interface {
	// ConfigureContinuous sets a continuous sample clock at rate Hz with
	// the given per-channel buffer size.
	ConfigureContinuous(rate float64, bufferSize int) error

	// Start begins sampling. Starting the input stream also emits the
	// digital start edge that releases any output task armed on it.
	Start() error

	// ReadAvailable returns all samples acquired since the previous call,
	// as channels x time. It never blocks; an empty read returns
	// zero-length slices.
	ReadAvailable() ([][]float64, error)

	// Close stops sampling and releases the task.
	Close() error
}

// OutputTask is a finite hardware-clocked analog output stream.
type OutputTask interface {
	// ConfigureFinite sets a finite sample clock at rate Hz generating
	// exactly total samples per channel.
	ConfigureFinite(rate float64, total int) error

	// ArmStartTrigger configures generation to begin on the digital start
	// edge of in's stream instead of on Start.
	ArmStartTrigger(in InputTask) error

	// WriteMany appends a block (channels x time) to the output buffer.
	WriteMany(block [][]float64) error

	// WriteOne appends a single sample per channel.
	WriteOne(values []float64) error

	// Start starts the task. With a trigger armed the task idles until the
	// trigger edge arrives.
	Start() error

	// Done reports whether all finite samples have been generated.
	Done() (bool, error)

	// Stop halts generation and discards pending output.
	Stop() error

	// Close stops the task and releases it.
	Close() error
}
