package serialport

import (
	"bytes"
	"errors"
	"strings"
	"sync"
)

// ScriptedPort implements Porter with configurable behaviour for testing
// request/response instruments. Each written command line is handed to the
// Respond callback and its return value is queued for subsequent reads.
type ScriptedPort struct {
	mu sync.Mutex

	// Respond maps a written command (trailing terminator stripped) to the
	// raw bytes the instrument would send back. If nil, every command is
	// acknowledged with "OK\r\n".
	Respond func(command string) string

	// WriteError is returned by the next Write call if set.
	WriteError error

	// ReadError is returned by the next Read call if set.
	ReadError error

	// Commands records every command line written to the port.
	Commands []string

	readBuf bytes.Buffer
	closed  bool
}

// NewScriptedPort creates a ScriptedPort with the given responder.
func NewScriptedPort(respond func(command string) string) *ScriptedPort {
	return &ScriptedPort{Respond: respond}
}

// Write records the command and queues the scripted response.
func (p *ScriptedPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.New("serial port closed")
	}
	if p.WriteError != nil {
		err := p.WriteError
		p.WriteError = nil
		return 0, err
	}

	command := strings.TrimRight(string(b), "\r\n")
	p.Commands = append(p.Commands, command)

	if p.Respond == nil {
		p.readBuf.WriteString("OK\r\n")
	} else {
		p.readBuf.WriteString(p.Respond(command))
	}
	return len(b), nil
}

// Read returns queued response bytes.
func (p *ScriptedPort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return 0, errors.New("serial port closed")
	}
	if p.ReadError != nil {
		err := p.ReadError
		p.ReadError = nil
		return 0, err
	}
	return p.readBuf.Read(b)
}

// Close marks the port as closed.
func (p *ScriptedPort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

// Closed reports whether Close has been called.
func (p *ScriptedPort) Closed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

// WrittenCommands returns a copy of all recorded command lines.
func (p *ScriptedPort) WrittenCommands() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.Commands))
	copy(out, p.Commands)
	return out
}
