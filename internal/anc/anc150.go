// Package anc drives an Attocube ANC150 piezo step controller over RS-232.
//
// The controller speaks a line protocol at 38400 baud; every command is
// answered with zero or more payload lines followed by a line containing
// "OK" or "ERROR". Replies to value queries embed the value between '=' and
// the unit letter, e.g. "voltage = 12 V".
package anc

import (
	"bufio"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ICE-QTM/SSMiSS/internal/serialport"
	"github.com/ICE-QTM/SSMiSS/internal/timeutil"
)

// Axis identifies one of the three piezo axes.
type Axis int

// Axis assignments on the bench: 1 = x, 2 = y, 3 = z.
const (
	AxisX Axis = 1
	AxisY Axis = 2
	AxisZ Axis = 3
)

// Mode is an ANC150 axis mode.
type Mode string

const (
	ModeExt Mode = "ext" // external control input
	ModeStp Mode = "stp" // stepping
	ModeGnd Mode = "gnd" // grounded
	ModeCap Mode = "cap" // capacitance measurement
)

// Direction selects the sign of piezo travel.
type Direction int

const (
	Up Direction = iota
	Down
)

// String returns the direction letter used in step commands.
func (d Direction) String() string {
	if d == Down {
		return "d"
	}
	return "u"
}

// Voltage and frequency limits accepted by the controller firmware.
const (
	MaxVoltage   = 70
	MaxFrequency = 8000
)

// ErrWrongInstrument indicates that a device answered on the port but did
// not identify as an Attocube controller.
var ErrWrongInstrument = errors.New("connected instrument is not an Attocube ANC150")

// CommandError carries the raw controller reply for a rejected command.
type CommandError struct {
	Command  string
	Response string
}

func (e *CommandError) Error() string {
	return fmt.Sprintf("anc150: command %q rejected: %s", e.Command, strings.TrimSpace(e.Response))
}

// ANC150 is a driver for one step controller. All methods are safe for
// concurrent use; commands are serialised on the port.
type ANC150 struct {
	mu    sync.Mutex
	port  serialport.Porter
	rd    *bufio.Reader
	clock timeutil.Clock

	// Last frequency written per axis, used to wait out fixed moves.
	freq [3]int
}

// Dial opens the serial port at path using open and verifies the instrument
// identity before returning a driver.
func Dial(path string, open serialport.Opener, clock timeutil.Clock) (*ANC150, error) {
	port, err := open(path, serialport.DefaultMode())
	if err != nil {
		return nil, err
	}
	a, err := New(port, clock)
	if err != nil {
		port.Close()
		return nil, err
	}
	return a, nil
}

// New wraps an open port and verifies via a "ver" query that an ANC150 is
// on the other end.
func New(port serialport.Porter, clock timeutil.Clock) (*ANC150, error) {
	if clock == nil {
		clock = timeutil.RealClock{}
	}
	a := &ANC150{
		port:  port,
		rd:    bufio.NewReader(port),
		clock: clock,
	}

	resp, err := a.query("ver")
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWrongInstrument, err)
	}
	if !strings.Contains(strings.ToLower(resp), "attocube controller") {
		return nil, fmt.Errorf("%w: got %q", ErrWrongInstrument, strings.TrimSpace(resp))
	}
	return a, nil
}

// query writes one command line and accumulates reply lines until the
// controller terminates with OK or ERROR.
func (a *ANC150) query(command string) (string, error) {
	if _, err := a.port.Write([]byte(command + "\r\n")); err != nil {
		return "", fmt.Errorf("writing %q: %w", command, err)
	}

	var resp strings.Builder
	for {
		line, err := a.rd.ReadString('\n')
		resp.WriteString(line)
		if strings.Contains(line, "OK") {
			return resp.String(), nil
		}
		if strings.Contains(line, "ERROR") {
			return resp.String(), &CommandError{Command: command, Response: resp.String()}
		}
		if err != nil {
			return resp.String(), fmt.Errorf("reading reply to %q: %w", command, err)
		}
	}
}

// exec runs a command under the driver lock, discarding the payload.
func (a *ANC150) exec(command string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	_, err := a.query(command)
	return err
}

func checkAxis(axis Axis) error {
	if axis < AxisX || axis > AxisZ {
		return fmt.Errorf("invalid axis %d: must be 1..3", axis)
	}
	return nil
}

// Identify returns the controller's "ver" banner.
func (a *ANC150) Identify() (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.query("ver")
}

// SetMode sets the operating mode of the axis.
func (a *ANC150) SetMode(axis Axis, mode Mode) error {
	if err := checkAxis(axis); err != nil {
		return err
	}
	switch mode {
	case ModeExt, ModeStp, ModeGnd, ModeCap:
	default:
		return fmt.Errorf("invalid mode %q", mode)
	}
	return a.exec(fmt.Sprintf("setm %d %s", axis, mode))
}

// Mode reads the operating mode of the axis.
func (a *ANC150) Mode(axis Axis) (Mode, error) {
	if err := checkAxis(axis); err != nil {
		return "", err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	resp, err := a.query(fmt.Sprintf("getm %d", axis))
	if err != nil {
		return "", err
	}
	for _, m := range []Mode{ModeExt, ModeStp, ModeGnd, ModeCap} {
		if strings.Contains(resp, string(m)) {
			return m, nil
		}
	}
	return "", fmt.Errorf("unrecognised mode reply %q", strings.TrimSpace(resp))
}

// SetVoltage sets the stepping amplitude of the axis in volts.
func (a *ANC150) SetVoltage(axis Axis, volt int) error {
	if err := checkAxis(axis); err != nil {
		return err
	}
	if volt < 0 || volt > MaxVoltage {
		return fmt.Errorf("invalid voltage %d: must be 0..%d", volt, MaxVoltage)
	}
	return a.exec(fmt.Sprintf("setv %d %d", axis, volt))
}

// Voltage reads the stepping amplitude of the axis in volts.
func (a *ANC150) Voltage(axis Axis) (int, error) {
	if err := checkAxis(axis); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	resp, err := a.query(fmt.Sprintf("getv %d", axis))
	if err != nil {
		return 0, err
	}
	return parseValue(resp, "V")
}

// SetFrequency sets the stepping frequency of the axis in hertz.
func (a *ANC150) SetFrequency(axis Axis, freq int) error {
	if err := checkAxis(axis); err != nil {
		return err
	}
	if freq < 0 || freq > MaxFrequency {
		return fmt.Errorf("invalid frequency %d: must be 0..%d", freq, MaxFrequency)
	}
	if err := a.exec(fmt.Sprintf("setf %d %d", axis, freq)); err != nil {
		return err
	}
	a.mu.Lock()
	a.freq[axis-1] = freq
	a.mu.Unlock()
	return nil
}

// Frequency reads the stepping frequency of the axis in hertz.
func (a *ANC150) Frequency(axis Axis) (int, error) {
	if err := checkAxis(axis); err != nil {
		return 0, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	resp, err := a.query(fmt.Sprintf("getf %d", axis))
	if err != nil {
		return 0, err
	}
	return parseValue(resp, "H")
}

// parseValue extracts the integer between '=' and the unit letter in a
// controller reply such as "voltage = 12 V".
func parseValue(resp, unit string) (int, error) {
	_, after, ok := strings.Cut(resp, "=")
	if !ok {
		return 0, fmt.Errorf("unparseable reply %q", strings.TrimSpace(resp))
	}
	value, _, ok := strings.Cut(after, unit)
	if !ok {
		return 0, fmt.Errorf("unparseable reply %q", strings.TrimSpace(resp))
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return 0, fmt.Errorf("unparseable reply %q: %w", strings.TrimSpace(resp), err)
	}
	return n, nil
}

func stepCommand(dir Direction) string {
	return "step" + dir.String()
}

// StepContinuous starts unbounded stepping along the axis. Motion continues
// until StopAxis is called.
func (a *ANC150) StepContinuous(axis Axis, dir Direction) error {
	if err := checkAxis(axis); err != nil {
		return err
	}
	return a.exec(fmt.Sprintf("%s %d c", stepCommand(dir), axis))
}

// StepFixed commands count steps along the axis and returns without waiting
// for the move to finish.
func (a *ANC150) StepFixed(axis Axis, dir Direction, count int) error {
	if err := checkAxis(axis); err != nil {
		return err
	}
	if count <= 0 {
		return fmt.Errorf("invalid step count %d: must be positive", count)
	}
	return a.exec(fmt.Sprintf("%s %d %d", stepCommand(dir), axis, count))
}

// StepWait commands count steps and sleeps until the move should have
// completed at the last configured frequency.
func (a *ANC150) StepWait(axis Axis, dir Direction, count int) error {
	if err := a.StepFixed(axis, dir, count); err != nil {
		return err
	}
	a.mu.Lock()
	freq := a.freq[axis-1]
	a.mu.Unlock()
	if freq <= 0 {
		return fmt.Errorf("frequency for axis %d not set; cannot wait for move", axis)
	}
	a.clock.Sleep(time.Duration(float64(count) / float64(freq) * float64(time.Second)))
	return nil
}

// StopAxis halts any motion on the axis.
func (a *ANC150) StopAxis(axis Axis) error {
	if err := checkAxis(axis); err != nil {
		return err
	}
	return a.exec(fmt.Sprintf("stop %d", axis))
}

// StopAll halts motion on all three axes.
func (a *ANC150) StopAll() error {
	for axis := AxisX; axis <= AxisZ; axis++ {
		if err := a.StopAxis(axis); err != nil {
			return err
		}
	}
	return nil
}

// Close stops all motion, grounds every axis, and closes the port.
func (a *ANC150) Close() error {
	if err := a.StopAll(); err != nil {
		a.port.Close()
		return err
	}
	for axis := AxisX; axis <= AxisZ; axis++ {
		if err := a.SetMode(axis, ModeGnd); err != nil {
			a.port.Close()
			return err
		}
	}
	return a.port.Close()
}
