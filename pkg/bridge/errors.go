package bridge

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned when a command needs an open transport
	ErrNotConnected = errors.New("bridge: not connected")

	// ErrClosed is returned after Close
	ErrClosed = errors.New("bridge: closed")

	// ErrNoTransport is returned when a bridge was built without a transport
	ErrNoTransport = errors.New("bridge: no transport configured")
)

// TransportError wraps a failure from the underlying socket or port.
type TransportError struct {
	Op  string // dial, open, read, write
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("bridge: %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}
