package bridge

import (
	"context"

	"github.com/teslashibe/go-mechaverse/pkg/joint"
	"github.com/teslashibe/go-mechaverse/pkg/protocol"
)

// MessageConn is a message-oriented duplex connection. Implementations must
// allow one concurrent reader alongside serialized writers.
type MessageConn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens a MessageConn.
type Dialer interface {
	Dial(ctx context.Context, url string) (MessageConn, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, url string) (MessageConn, error)

// Dial calls f(ctx, url).
func (f DialerFunc) Dial(ctx context.Context, url string) (MessageConn, error) {
	return f(ctx, url)
}

// State is the network session lifecycle.
type State int

const (
	StateClosed State = iota
	StateConnecting
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	default:
		return "closed"
	}
}

// NetworkOptions configure a network bridge.
type NetworkOptions struct {
	Options
	URL    string
	Dialer Dialer
}

// Network bridges the viewer to a JSON-over-websocket actuator endpoint.
type Network struct {
	*coalescer

	url    string
	dialer Dialer

	// guarded by coalescer.mu
	state State
	conn  MessageConn
	seq   uint32
}

// NewNetwork wraps the sink's writer and returns an unconnected bridge.
func NewNetwork(sink joint.Sink, opts NetworkOptions) *Network {
	b := &Network{
		coalescer: newCoalescer(sink, opts.Options, DefaultNetworkSendHz, "bridge.network"),
		url:       opts.URL,
		dialer:    opts.Dialer,
	}
	b.flush = b.flushBatch
	b.attach()
	return b
}

// Connect dials the endpoint, sends a ping and starts the read loop. It is a
// no-op when already open. Failures are returned; there is no auto-reconnect.
func (b *Network) Connect(ctx context.Context) error {
	if b.dialer == nil {
		return ErrNoTransport
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	if b.state != StateClosed {
		b.mu.Unlock()
		return nil
	}
	b.state = StateConnecting
	b.mu.Unlock()

	conn, err := b.dialer.Dial(ctx, b.url)

	b.mu.Lock()
	if err != nil {
		b.state = StateClosed
		st := b.setConnectedLocked(false, err)
		b.mu.Unlock()
		b.emit(st)
		return &TransportError{Op: "dial", Err: err}
	}
	if b.closed {
		b.mu.Unlock()
		_ = conn.Close()
		return ErrClosed
	}
	b.conn = conn
	b.state = StateOpen
	st := b.setConnectedLocked(true, nil)
	if b.pending.Len() > 0 {
		b.scheduleLocked()
	}
	b.mu.Unlock()

	b.log.Info("connected", "url", b.url)
	b.emit(st)

	go b.readLoop(conn)

	if err := b.write(conn, protocol.NewPing()); err != nil {
		b.fail(conn, "write", err)
	}
	return nil
}

// State returns the lifecycle state.
func (b *Network) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// IsConnected reports whether the session is open with a live connection.
func (b *Network) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state == StateOpen && b.conn != nil
}

// SendJoints transmits viewer joint values immediately, bypassing the
// queue. Values are clamped and mapped like queued ones. Failures are only
// reported through the status channel.
func (b *Network) SendJoints(values map[string]float64) {
	limits := b.sink.Limits()
	joints := make(map[string]float64, len(values))
	for name, v := range values {
		if !joint.Finite(v) {
			continue
		}
		joints[b.HardwareID(name)] = limits.Clamp(name, v)
	}
	if len(joints) == 0 {
		return
	}

	b.mu.Lock()
	conn := b.conn
	if b.state != StateOpen || conn == nil {
		b.mu.Unlock()
		return
	}
	b.seq++
	msg := protocol.NewCmdJoint(joints, b.seq)
	b.mu.Unlock()

	if err := b.write(conn, msg); err != nil {
		b.fail(conn, "write", err)
		return
	}
	b.mu.Lock()
	for id, v := range joints {
		b.lastSent[id] = v
		b.pending.Remove(id)
	}
	b.stats.Sent++
	b.mu.Unlock()
}

// SetTorque sends cmd_torque.
func (b *Network) SetTorque(enabled bool) error {
	b.mu.Lock()
	conn := b.conn
	if b.state != StateOpen || conn == nil {
		b.mu.Unlock()
		return ErrNotConnected
	}
	b.seq++
	msg := protocol.NewCmdTorque(enabled, b.seq)
	b.mu.Unlock()

	if err := b.write(conn, msg); err != nil {
		b.fail(conn, "write", err)
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Ping sends a health check.
func (b *Network) Ping() error {
	b.mu.Lock()
	conn := b.conn
	open := b.state == StateOpen
	b.mu.Unlock()
	if !open || conn == nil {
		return ErrNotConnected
	}
	if err := b.write(conn, protocol.NewPing()); err != nil {
		b.fail(conn, "write", err)
		return &TransportError{Op: "write", Err: err}
	}
	return nil
}

// Close restores the captured writer, cancels the flush timer and clears the
// queues before returning. The connection is closed in the background; the
// returned channel closes when that is done.
func (b *Network) Close() <-chan struct{} {
	b.mu.Lock()
	if !b.closeLocked() {
		done := b.done
		b.mu.Unlock()
		return done
	}
	conn := b.conn
	b.conn = nil
	b.state = StateClosed
	st := b.setConnectedLocked(false, nil)
	b.mu.Unlock()

	return b.teardown(func() {
		if conn != nil {
			_ = conn.Close()
		}
		b.log.Info("closed")
		b.emit(st)
	})
}

// flushBatch snapshots and clears the queue into one cmd_joint.
func (b *Network) flushBatch() bool {
	b.mu.Lock()
	conn := b.conn
	if b.state != StateOpen || conn == nil {
		more := b.pending.Len() > 0
		b.mu.Unlock()
		return more
	}
	batch := b.pending.Drain()
	if len(batch) == 0 {
		b.mu.Unlock()
		return false
	}
	b.seq++
	joints := make(map[string]float64, len(batch))
	for _, e := range batch {
		joints[e.id] = e.value
		b.inflight[e.id] = e.value
	}
	msg := protocol.NewCmdJoint(joints, b.seq)
	b.mu.Unlock()

	err := b.write(conn, msg)

	b.mu.Lock()
	for _, e := range batch {
		if v, ok := b.inflight[e.id]; ok && v == e.value {
			delete(b.inflight, e.id)
		}
	}
	if err != nil {
		b.stats.Dropped += uint64(len(batch))
		b.mu.Unlock()
		b.fail(conn, "write", err)
		return false
	}
	for _, e := range batch {
		b.lastSent[e.id] = e.value
	}
	b.stats.Sent++
	b.mu.Unlock()
	return false
}

func (b *Network) write(conn MessageConn, v interface{}) error {
	data, err := protocol.Encode(v)
	if err != nil {
		return err
	}
	return conn.WriteMessage(data)
}

func (b *Network) readLoop(conn MessageConn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			b.fail(conn, "read", err)
			return
		}
		b.handleMessage(data)
	}
}

// handleMessage dispatches one inbound frame. Anything that is not a
// well-formed state_joint is ignored.
func (b *Network) handleMessage(data []byte) {
	msg, err := protocol.ParseMessage(data)
	if err != nil {
		return
	}
	switch msg.Type {
	case protocol.TypeStateJoint:
		st, err := msg.GetStateJoint()
		if err != nil {
			return
		}
		b.applyState(st.Joints, st.Units, st.Timestamp)
	case protocol.TypePong, protocol.TypeAck:
		b.log.Debug("received", "type", msg.Type, "ts", msg.Timestamp)
	}
}

// fail tears down conn after a read or write error. Errors from a connection
// that has already been replaced or closed are ignored.
func (b *Network) fail(conn MessageConn, op string, err error) {
	b.mu.Lock()
	if b.conn != conn {
		b.mu.Unlock()
		return
	}
	b.conn = nil
	b.state = StateClosed
	terr := &TransportError{Op: op, Err: err}
	if op == "write" {
		b.logWriteErrorLocked(err)
	} else {
		b.log.Info("connection lost", "error", err)
	}
	st := b.setConnectedLocked(false, terr)
	b.mu.Unlock()

	_ = conn.Close()
	b.emit(st)
}
