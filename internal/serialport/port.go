// Package serialport abstracts the RS-232 link to bench instruments.
//
// The step controller speaks a line-oriented command protocol over a null
// modem cable. The Porter interface is the minimal surface the drivers need,
// which keeps them testable without real hardware.
package serialport

import "io"

// Porter defines the minimal interface needed for a serial port.
type Porter interface {
	io.ReadWriter
	io.Closer
}

// Parity defines serial port parity options.
type Parity int

const (
	NoParity Parity = iota
	OddParity
	EvenParity
)

// StopBits defines serial port stop bit options.
type StopBits int

const (
	OneStopBit StopBits = iota
	TwoStopBits
)

// Mode defines serial port configuration parameters.
type Mode struct {
	BaudRate int
	DataBits int
	Parity   Parity
	StopBits StopBits
}

// DefaultMode returns the link settings for an ANC150 behind a null modem
// cable: 38400 baud, 8 data bits, no parity, one stop bit.
func DefaultMode() *Mode {
	return &Mode{
		BaudRate: 38400,
		DataBits: 8,
		Parity:   NoParity,
		StopBits: OneStopBit,
	}
}

// Opener is a function type for opening serial ports. Injecting an Opener
// lets tests substitute a scripted port for the real device.
type Opener func(path string, mode *Mode) (Porter, error)
