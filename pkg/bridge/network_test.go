package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-mechaverse/pkg/protocol"
)

var errConnClosed = errors.New("conn closed")

// fakeConn is an in-memory MessageConn
type fakeConn struct {
	mu         sync.Mutex
	written    [][]byte
	failWrites bool
	// onWrite runs once, outside the lock, before the next write lands
	onWrite func()

	in     chan []byte
	done   chan struct{}
	closer sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), done: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case data := <-c.in:
		return data, nil
	case <-c.done:
		return nil, errConnClosed
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	c.mu.Lock()
	hook := c.onWrite
	c.onWrite = nil
	c.mu.Unlock()
	if hook != nil {
		hook()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failWrites {
		return errBoom
	}
	c.written = append(c.written, append([]byte(nil), data...))
	return nil
}

func (c *fakeConn) Close() error {
	c.closer.Do(func() { close(c.done) })
	return nil
}

func (c *fakeConn) isClosed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// messages returns written frames of the given type
func (c *fakeConn) messages(t *testing.T, typ protocol.MessageType) []*protocol.Message {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*protocol.Message
	for _, w := range c.written {
		msg, err := protocol.ParseMessage(w)
		require.NoError(t, err)
		if msg.Type == typ {
			out = append(out, msg)
		}
	}
	return out
}

func newNetworkRig(t *testing.T) (*fakeConn, *Network, *statusLog) {
	t.Helper()
	conn := newFakeConn()
	st := &statusLog{}
	b := NewNetwork(armModel(), NetworkOptions{
		Options: testOptions(map[string]string{"shoulder": "1", "elbow": "2"}, st),
		URL:     "ws://robot.local/ws",
		Dialer: DialerFunc(func(ctx context.Context, url string) (MessageConn, error) {
			return conn, nil
		}),
	})
	t.Cleanup(func() { b.Close() })
	require.NoError(t, b.Connect(context.Background()))
	return conn, b, st
}

func cmdJoints(t *testing.T, conn *fakeConn) []*protocol.CmdJoint {
	t.Helper()
	var out []*protocol.CmdJoint
	for _, m := range conn.messages(t, protocol.TypeCmdJoint) {
		cmd, err := m.GetCmdJoint()
		require.NoError(t, err)
		out = append(out, cmd)
	}
	return out
}

func TestNetworkConnectSendsPing(t *testing.T) {
	conn, b, st := newNetworkRig(t)

	assert.True(t, b.IsConnected())
	assert.Equal(t, StateOpen, b.State())
	assert.Len(t, conn.messages(t, protocol.TypePing), 1)

	last, ok := st.last()
	require.True(t, ok)
	assert.True(t, last.Connected)
}

func TestNetworkCoalescesLastWriteWins(t *testing.T) {
	conn, b, _ := newNetworkRig(t)

	b.QueueJoint("shoulder", 0.1)
	b.QueueJoint("shoulder", 0.2)
	b.QueueJoint("shoulder", 0.3)
	b.QueueJoint("elbow", -0.4)
	b.tick()

	cmds := cmdJoints(t, conn)
	require.Len(t, cmds, 1)
	assert.Equal(t, map[string]float64{"1": 0.3, "2": -0.4}, cmds[0].Joints)
	assert.Equal(t, protocol.UnitsRad, cmds[0].Units)
	assert.Equal(t, uint32(1), cmds[0].Seq)
	assert.NotZero(t, cmds[0].Timestamp)
	assert.Equal(t, 0, b.Stats().Pending)

	// nothing left to send
	b.tick()
	assert.Len(t, cmdJoints(t, conn), 1)
}

func TestNetworkSequenceIncrements(t *testing.T) {
	conn, b, _ := newNetworkRig(t)

	b.QueueJoint("shoulder", 0.1)
	b.tick()
	require.NoError(t, b.SetTorque(true))
	b.QueueJoint("shoulder", 0.5)
	b.tick()

	cmds := cmdJoints(t, conn)
	require.Len(t, cmds, 2)
	torque := conn.messages(t, protocol.TypeCmdTorque)
	require.Len(t, torque, 1)
	tc, err := torque[0].GetCmdTorque()
	require.NoError(t, err)

	assert.Equal(t, uint32(1), cmds[0].Seq)
	assert.Equal(t, uint32(2), tc.Seq)
	assert.True(t, tc.Enabled)
	assert.Equal(t, uint32(3), cmds[1].Seq)
}

func TestNetworkDeadbandIdempotence(t *testing.T) {
	conn, b, _ := newNetworkRig(t)

	b.QueueJoint("shoulder", 0.5)
	b.tick()
	for i := 0; i < 10; i++ {
		b.QueueJoint("shoulder", 0.5+0.0009)
		b.QueueJoint("shoulder", 0.5-0.0009)
		b.tick()
	}
	assert.Len(t, cmdJoints(t, conn), 1)
	assert.Equal(t, uint64(20), b.Stats().Skipped)
}

func TestNetworkDeadbandComparesInflightBatch(t *testing.T) {
	conn, b, _ := newNetworkRig(t)

	b.QueueJoint("shoulder", 0)
	b.tick()

	b.QueueJoint("shoulder", 0.8)
	conn.mu.Lock()
	conn.onWrite = func() {
		// 0.8 is on the wire; returning to 0 must not be skipped
		b.QueueJoint("shoulder", 0)
	}
	conn.mu.Unlock()
	b.tick()
	assert.Equal(t, 1, b.Stats().Pending)
	b.tick()

	cmds := cmdJoints(t, conn)
	require.Len(t, cmds, 3)
	assert.Equal(t, 0.8, cmds[1].Joints["1"])
	assert.Equal(t, 0.0, cmds[2].Joints["1"])
	assert.Equal(t, 0, b.Stats().Pending)
	assert.Equal(t, uint64(0), b.Stats().Skipped)
}

func TestNetworkNotConnectedKeepsQueue(t *testing.T) {
	st := &statusLog{}
	b := NewNetwork(armModel(), NetworkOptions{
		Options: testOptions(nil, st),
		Dialer: DialerFunc(func(ctx context.Context, url string) (MessageConn, error) {
			return nil, errBoom
		}),
	})
	defer b.Close()

	b.QueueJoint("wrist", 0.2)
	b.tick()
	assert.Equal(t, 1, b.Stats().Pending)

	err := b.Connect(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "dial", terr.Op)
	assert.Equal(t, StateClosed, b.State())
	assert.ErrorIs(t, b.SetTorque(true), ErrNotConnected)
	assert.ErrorIs(t, b.Ping(), ErrNotConnected)

	last, _ := st.last()
	assert.False(t, last.Connected)
	assert.Contains(t, last.LastError, "boom")
}

func TestNetworkWriteFailureMarksDisconnected(t *testing.T) {
	conn, b, st := newNetworkRig(t)

	conn.mu.Lock()
	conn.failWrites = true
	conn.mu.Unlock()

	b.QueueJoint("shoulder", 0.7)
	b.tick()

	assert.False(t, b.IsConnected())
	assert.True(t, conn.isClosed())
	assert.Equal(t, uint64(1), b.Stats().Errors)
	last, _ := st.last()
	assert.False(t, last.Connected)
	assert.Contains(t, last.LastError, "write")
}

func TestNetworkAppliesTelemetry(t *testing.T) {
	conn, b, st := newNetworkRig(t)
	model := b.sink.(interface{ Value(string) (float64, bool) })

	conn.in <- []byte("not json")
	conn.in <- []byte(`{"type":"state_joint"}`)
	conn.in <- []byte(`{"type":"pong","ts":5}`)
	conn.in <- []byte(`{"type":"state_joint","joints":{"1":90,"2":-0.25},"units":"deg","ts":1234}`)

	// status is reported after the batch is written
	require.Eventually(t, func() bool {
		last, _ := st.last()
		return last.LastStateTS == 1234
	}, time.Second, 5*time.Millisecond)

	v, _ := model.Value("shoulder")
	assert.Equal(t, 1.57, v)
	v, _ = model.Value("elbow")
	assert.InDelta(t, -0.25*3.141592653589793/180, v, 1e-12)
	assert.Equal(t, 0, b.Stats().Pending)
}

func TestNetworkReadErrorCloses(t *testing.T) {
	conn, b, st := newNetworkRig(t)

	conn.Close()
	require.Eventually(t, func() bool {
		last, _ := st.last()
		return !last.Connected
	}, time.Second, 5*time.Millisecond)
	assert.False(t, b.IsConnected())

	// reconnecting is allowed
	fresh := newFakeConn()
	b.dialer = DialerFunc(func(ctx context.Context, url string) (MessageConn, error) { return fresh, nil })
	require.NoError(t, b.Connect(context.Background()))
	assert.True(t, b.IsConnected())
}

func TestNetworkSendJoints(t *testing.T) {
	conn, b, _ := newNetworkRig(t)

	b.SendJoints(map[string]float64{"shoulder": 9, "wrist": 0.1})
	cmds := cmdJoints(t, conn)
	require.Len(t, cmds, 1)
	assert.Equal(t, map[string]float64{"1": 1.57, "wrist": 0.1}, cmds[0].Joints)

	// already transmitted, so the deadband suppresses the echo
	b.QueueJoint("shoulder", 1.57)
	assert.Equal(t, 0, b.Stats().Pending)
}

func TestNetworkClose(t *testing.T) {
	conn, b, st := newNetworkRig(t)

	b.QueueJoint("shoulder", 0.3)
	done := b.Close()
	assert.Equal(t, 0, b.Stats().Pending)
	assert.False(t, b.IsConnected())

	waitClosed(t, done)
	assert.True(t, conn.isClosed())
	assert.ErrorIs(t, b.Connect(context.Background()), ErrClosed)

	last, _ := st.last()
	assert.False(t, last.Connected)
}

func TestCmdJointWireShape(t *testing.T) {
	conn, b, _ := newNetworkRig(t)
	b.QueueJoint("elbow", 0.25)
	b.tick()

	msgs := conn.messages(t, protocol.TypeCmdJoint)
	require.Len(t, msgs, 1)
	var raw map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(msgs[0].Raw, &raw))
	for _, k := range []string{"type", "joints", "units", "seq", "ts"} {
		assert.Contains(t, raw, k)
	}
}
