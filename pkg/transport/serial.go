package transport

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"go.bug.st/serial"
)

// DefaultBaudRate for select/position actuator buses
const DefaultBaudRate = 57600

var (
	// ErrNoPort is returned when no port name was configured
	ErrNoPort = errors.New("transport: no serial port configured")

	// ErrPortClosed is returned when writing to an unopened port
	ErrPortClosed = errors.New("transport: port not open")
)

// OpenFunc opens a named port. Replaced in tests.
type OpenFunc func(name string, mode *serial.Mode) (serial.Port, error)

// SerialPort adapts a go.bug.st serial port to bridge.ByteTransport.
// The port is configured 8N1 without flow control.
type SerialPort struct {
	name string
	mode *serial.Mode
	open OpenFunc

	mu   sync.Mutex
	port serial.Port
}

// NewSerialPort creates an unopened port. Zero baud uses DefaultBaudRate.
func NewSerialPort(name string, baud int) *SerialPort {
	if baud <= 0 {
		baud = DefaultBaudRate
	}
	return &SerialPort{
		name: name,
		mode: &serial.Mode{
			BaudRate: baud,
			DataBits: 8,
			Parity:   serial.NoParity,
			StopBits: serial.OneStopBit,
		},
		open: serial.Open,
	}
}

// WithOpener swaps the function used to open the device.
func (p *SerialPort) WithOpener(open OpenFunc) *SerialPort {
	p.open = open
	return p
}

// Name returns the configured device path.
func (p *SerialPort) Name() string { return p.name }

// Mode returns the line settings.
func (p *SerialPort) Mode() serial.Mode { return *p.mode }

// Open opens the device, closing any previous handle first.
func (p *SerialPort) Open(ctx context.Context) error {
	if p.name == "" {
		return ErrNoPort
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.port != nil {
		_ = p.port.Close()
		p.port = nil
	}
	port, err := p.open(p.name, p.mode)
	if err != nil {
		return fmt.Errorf("failed to open serial port %s: %w", p.name, err)
	}
	p.port = port
	return nil
}

// Write sends raw bytes.
func (p *SerialPort) Write(b []byte) (int, error) {
	p.mu.Lock()
	port := p.port
	p.mu.Unlock()
	if port == nil {
		return 0, ErrPortClosed
	}
	return port.Write(b)
}

// Close releases the device. Closing an unopened port is a no-op.
func (p *SerialPort) Close() error {
	p.mu.Lock()
	port := p.port
	p.port = nil
	p.mu.Unlock()
	if port == nil {
		return nil
	}
	return port.Close()
}

// IsOpen reports whether a handle is held.
func (p *SerialPort) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.port != nil
}
