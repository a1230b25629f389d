package bridge

import (
	"context"
	"fmt"
	"strconv"

	"github.com/teslashibe/go-mechaverse/pkg/joint"
	"github.com/teslashibe/go-mechaverse/pkg/protocol"
)

// ByteTransport is a byte-stream port the serial bridge writes frames to.
// The bridge does not own platform details such as permissions or baud.
type ByteTransport interface {
	Open(ctx context.Context) error
	Write(p []byte) (int, error)
	Close() error
	IsOpen() bool
}

// Phase of a two-step select/position transmission.
type Phase int

const (
	PhaseSelect Phase = iota
	PhasePosition
)

func (p Phase) String() string {
	if p == PhasePosition {
		return "position"
	}
	return "select"
}

// TxState is the in-flight select/position cursor. While one exists no other
// queue entry is serviced.
type TxState struct {
	Phase   Phase
	MotorID int
	ID      string // hardware id
	Value   float64
}

// SerialOptions configure a serial bridge.
type SerialOptions struct {
	Options
	Transport ByteTransport
	Positions protocol.PositionRange

	// AutoConnect opens a previously configured port at construction time.
	AutoConnect bool
}

// Serial bridges the viewer to a select/position framed serial actuator bus.
type Serial struct {
	*coalescer

	port      ByteTransport
	positions protocol.PositionRange

	// guarded by coalescer.mu
	connected     bool
	currentTarget *int
	tx            *TxState
}

// NewSerial wraps the sink's writer and returns the bridge. A zero or
// invalid position range falls back to the full 10-bit range. With
// AutoConnect the port is opened in the background; success or failure is
// reported through OnStatus.
func NewSerial(sink joint.Sink, opts SerialOptions) *Serial {
	b := &Serial{
		coalescer: newCoalescer(sink, opts.Options, DefaultSerialSendHz, "bridge.serial"),
		port:      opts.Transport,
		positions: opts.Positions,
	}
	if b.positions == (protocol.PositionRange{}) {
		b.positions = protocol.DefaultPositionRange()
	} else if err := b.positions.Validate(); err != nil {
		b.log.Warn("using default position range", "error", err)
		b.positions = protocol.DefaultPositionRange()
	}
	b.flush = b.step
	b.attach()

	if opts.AutoConnect && opts.Transport != nil {
		go func() {
			// open failures already went out through OnStatus; ErrClosed
			// means Close won the race
			if err := b.Connect(context.Background()); err != nil {
				b.log.Warn("auto connect failed", "error", err)
			}
		}()
	}
	return b
}

// Connect opens the port. Failures are returned to the caller and never
// retried.
func (b *Serial) Connect(ctx context.Context) error {
	if b.port == nil {
		return ErrNoTransport
	}
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	b.mu.Unlock()

	if err := b.port.Open(ctx); err != nil {
		terr := &TransportError{Op: "open", Err: err}
		b.mu.Lock()
		st := b.setConnectedLocked(false, terr)
		b.mu.Unlock()
		b.emit(st)
		return terr
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = b.port.Close()
		return ErrClosed
	}
	b.connected = true
	b.resetCursorLocked()
	st := b.setConnectedLocked(true, nil)
	if b.pending.Len() > 0 {
		b.scheduleLocked()
	}
	b.mu.Unlock()

	b.log.Info("port opened")
	b.emit(st)
	return nil
}

// Disconnect closes the port. Errors are swallowed; the bridge always ends
// up disconnected.
func (b *Serial) Disconnect() {
	b.mu.Lock()
	b.connected = false
	b.resetCursorLocked()
	st := b.setConnectedLocked(false, nil)
	b.mu.Unlock()

	if b.port != nil {
		if err := b.port.Close(); err != nil {
			b.log.Debug("close port", "error", err)
		}
	}
	b.emit(st)
}

// IsConnected reports the session flag combined with port liveness.
func (b *Serial) IsConnected() bool {
	b.mu.Lock()
	connected := b.connected
	b.mu.Unlock()
	return connected && b.port != nil && b.port.IsOpen()
}

// Tx returns a copy of the in-flight cursor, if any.
func (b *Serial) Tx() (TxState, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.tx == nil {
		return TxState{}, false
	}
	return *b.tx, true
}

// CurrentTarget returns the motor the bus is currently addressed to.
func (b *Serial) CurrentTarget() (int, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.currentTarget == nil {
		return 0, false
	}
	return *b.currentTarget, true
}

// Close restores the captured writer, cancels the flush timer and clears
// queue and cursors before returning. The port is closed in the background.
func (b *Serial) Close() <-chan struct{} {
	b.mu.Lock()
	if !b.closeLocked() {
		done := b.done
		b.mu.Unlock()
		return done
	}
	b.tx = nil
	b.currentTarget = nil
	b.mu.Unlock()

	return b.teardown(func() {
		b.Disconnect()
		b.log.Info("closed")
	})
}

// resetCursorLocked forgets the addressed motor and hands any in-flight value
// back to the queue.
func (b *Serial) resetCursorLocked() {
	b.currentTarget = nil
	if b.tx != nil {
		delete(b.inflight, b.tx.ID)
		b.requeueLocked(b.tx.ID, b.tx.Value)
		b.tx = nil
	}
}

// requeueLocked restores a value unless a newer one is already pending.
func (b *Serial) requeueLocked(id string, v float64) {
	if b.closed {
		return
	}
	if _, ok := b.pending.Get(id); !ok {
		b.pending.Set(id, v)
	}
}

// step performs one unit of work: either the position phase of the
// in-flight transmission, or the most recently touched queue entry.
func (b *Serial) step() bool {
	b.mu.Lock()
	if !b.connected {
		more := b.pending.Len() > 0 || b.tx != nil
		b.mu.Unlock()
		return more
	}
	if tx := b.tx; tx != nil && tx.Phase == PhasePosition {
		return b.positionPhase(tx)
	}

	e, ok := b.pending.PopLast()
	if !ok {
		b.mu.Unlock()
		return false
	}
	motor, err := motorID(e.id)
	if err != nil {
		return b.dropAndUnlock(e.id, err)
	}

	if b.currentTarget != nil && *b.currentTarget == motor {
		frame, err := protocol.PositionFrame(b.position(e.id, e.value))
		if err != nil {
			return b.dropAndUnlock(e.id, err)
		}
		b.inflight[e.id] = e.value
		b.mu.Unlock()

		err = b.writeFrame(frame)

		b.mu.Lock()
		delete(b.inflight, e.id)
		if err != nil {
			return b.failAndUnlock(e.id, e.value, err)
		}
		b.lastSent[e.id] = e.value
		b.stats.Sent++
		more := b.pending.Len() > 0
		b.mu.Unlock()
		return more
	}

	tx := &TxState{Phase: PhaseSelect, MotorID: motor, ID: e.id, Value: e.value}
	b.tx = tx
	b.inflight[e.id] = e.value
	b.currentTarget = nil
	frame, _ := protocol.SelectFrame(motor)
	b.mu.Unlock()

	err = b.writeFrame(frame)

	b.mu.Lock()
	if err != nil {
		delete(b.inflight, tx.ID)
		return b.failAndUnlock(tx.ID, tx.Value, err)
	}
	if b.tx != tx {
		// Reset while writing; the value was handed back to the queue.
		more := b.pending.Len() > 0
		b.mu.Unlock()
		return more
	}
	tx.Phase = PhasePosition
	b.currentTarget = &motor
	b.stats.Sent++
	b.mu.Unlock()
	return true
}

// positionPhase completes tx. Called with the lock held; returns unlocked.
func (b *Serial) positionPhase(tx *TxState) bool {
	// Last write wins across the two phases.
	if v, ok := b.pending.Get(tx.ID); ok {
		tx.Value = v
		b.pending.Remove(tx.ID)
	}
	id, value := tx.ID, tx.Value
	frame, err := protocol.PositionFrame(b.position(id, value))
	if err != nil {
		b.tx = nil
		delete(b.inflight, id)
		return b.dropAndUnlock(id, err)
	}
	b.inflight[id] = value
	b.mu.Unlock()

	err = b.writeFrame(frame)

	b.mu.Lock()
	if b.tx == tx {
		b.tx = nil
		delete(b.inflight, id)
	}
	if err != nil {
		return b.failAndUnlock(id, value, err)
	}
	b.lastSent[id] = value
	b.stats.Sent++
	more := b.pending.Len() > 0
	b.mu.Unlock()
	return more
}

func (b *Serial) writeFrame(frame [protocol.FrameSize]byte) error {
	n, err := b.port.Write(frame[:])
	if err == nil && n != len(frame) {
		err = fmt.Errorf("short write: %d of %d bytes", n, len(frame))
	}
	return err
}

// dropAndUnlock discards an entry that cannot be encoded. Called with the
// lock held.
func (b *Serial) dropAndUnlock(id string, err error) bool {
	b.stats.Dropped++
	b.log.Warn("dropping joint", "id", id, "error", err)
	more := b.pending.Len() > 0
	b.mu.Unlock()
	return more
}

// failAndUnlock marks the session down after a write error, requeues the
// in-flight value and reports the new status. Called with the lock held.
func (b *Serial) failAndUnlock(id string, v float64, err error) bool {
	b.connected = false
	b.tx = nil
	b.currentTarget = nil
	b.requeueLocked(id, v)
	b.logWriteErrorLocked(err)
	st := b.setConnectedLocked(false, &TransportError{Op: "write", Err: err})
	more := b.pending.Len() > 0
	b.mu.Unlock()

	b.emit(st)
	return more
}

// position converts a hardware-id keyed value to a raw actuator position
// using the viewer joint's limits.
func (b *Serial) position(id string, v float64) int {
	lim := b.sink.Limits()[b.ViewerJoint(id)]
	return protocol.AngleToPosition(v, lim, b.positions)
}

// motorID parses a hardware id as a bus motor id.
func motorID(id string) (int, error) {
	n, err := strconv.Atoi(id)
	if err != nil {
		return 0, fmt.Errorf("%w: %q", protocol.ErrInvalidMotorID, id)
	}
	if _, err := protocol.SelectCode(n); err != nil {
		return 0, err
	}
	return n, nil
}
