package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teslashibe/go-mechaverse/pkg/protocol"
)

// fakePort records every frame written
type fakePort struct {
	mu       sync.Mutex
	open     bool
	written  [][]byte
	failNext int
	openErr  error
	closes   int
}

func (p *fakePort) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.openErr != nil {
		return p.openErr
	}
	p.open = true
	return nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failNext > 0 {
		p.failNext--
		return 0, errBoom
	}
	p.written = append(p.written, append([]byte(nil), b...))
	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.open = false
	p.closes++
	return nil
}

func (p *fakePort) IsOpen() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.open
}

func (p *fakePort) frames() [][]byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]byte(nil), p.written...)
}

func (p *fakePort) fail(n int) {
	p.mu.Lock()
	p.failNext = n
	p.mu.Unlock()
}

// decoded returns written payloads as codes
func (p *fakePort) decoded(t *testing.T) []uint16 {
	t.Helper()
	var out []uint16
	for _, f := range p.frames() {
		v, err := protocol.DecodeFrame(f)
		require.NoError(t, err)
		out = append(out, v)
	}
	return out
}

func newSerialRig(t *testing.T) (*fakePort, *Serial, *statusLog) {
	t.Helper()
	port := &fakePort{}
	st := &statusLog{}
	b := NewSerial(armModel(), SerialOptions{
		Options:   testOptions(map[string]string{"shoulder": "1", "elbow": "2"}, st),
		Transport: port,
	})
	t.Cleanup(func() { b.Close() })
	require.NoError(t, b.Connect(context.Background()))
	return port, b, st
}

func TestSerialEndToEndPositions(t *testing.T) {
	port, b, _ := newSerialRig(t)

	b.QueueJoint("shoulder", 0)
	b.tick() // select
	tx, ok := b.Tx()
	require.True(t, ok)
	assert.Equal(t, PhasePosition, tx.Phase)
	b.tick() // position
	_, ok = b.Tx()
	assert.False(t, ok)

	b.QueueJoint("shoulder", 1.57)
	b.tick() // same motor, no reselect

	assert.Equal(t, []uint16{30001, 512, 1023}, port.decoded(t))
	target, ok := b.CurrentTarget()
	require.True(t, ok)
	assert.Equal(t, 1, target)
	assert.Equal(t, uint64(3), b.Stats().Sent)
}

func TestSerialSelectBeforePosition(t *testing.T) {
	port, b, _ := newSerialRig(t)

	b.QueueJoint("shoulder", 0.5)
	b.QueueJoint("elbow", 0.2)
	for i := 0; i < 10; i++ {
		b.tick()
	}

	codes := port.decoded(t)
	require.Len(t, codes, 4)
	// most recently touched first
	assert.Equal(t, uint16(30002), codes[0])
	assert.Equal(t, uint16(30001), codes[2])

	addressed := -1
	for _, c := range codes {
		if c >= protocol.SelectBase {
			addressed = int(c) - protocol.SelectBase
			continue
		}
		assert.NotEqual(t, -1, addressed, "position before any select")
	}
}

func TestSerialSwitchingMotorsReselects(t *testing.T) {
	port, b, _ := newSerialRig(t)

	b.QueueJoint("shoulder", 0.1)
	b.tick()
	b.tick()
	b.QueueJoint("elbow", 0.1)
	b.tick()
	b.tick()
	b.QueueJoint("shoulder", 0.2)
	b.tick()
	b.tick()

	codes := port.decoded(t)
	require.Len(t, codes, 6)
	assert.Equal(t, uint16(30001), codes[0])
	assert.Equal(t, uint16(30002), codes[2])
	assert.Equal(t, uint16(30001), codes[4])
}

func TestSerialPositionPhaseTakesNewerValue(t *testing.T) {
	port, b, _ := newSerialRig(t)

	b.QueueJoint("shoulder", 0.1)
	b.tick() // select with 0.1 in flight
	b.QueueJoint("shoulder", 1.57)
	b.tick()

	assert.Equal(t, []uint16{30001, 1023}, port.decoded(t))
	assert.Equal(t, 0, b.Stats().Pending)
}

func TestSerialDeadband(t *testing.T) {
	port, b, _ := newSerialRig(t)

	b.QueueJoint("shoulder", 0.5)
	b.tick()
	b.tick()
	sent := len(port.frames())

	for i := 0; i < 20; i++ {
		b.QueueJoint("shoulder", 0.5+0.0005)
		b.tick()
	}
	assert.Len(t, port.frames(), sent)
	assert.Equal(t, uint64(20), b.Stats().Skipped)
}

func TestSerialDeadbandRemovesStalePending(t *testing.T) {
	_, b, _ := newSerialRig(t)

	b.QueueJoint("shoulder", 0.5)
	b.tick()
	b.tick()

	b.QueueJoint("shoulder", 0.9)
	assert.Equal(t, 1, b.Stats().Pending)
	b.QueueJoint("shoulder", 0.5)
	assert.Equal(t, 0, b.Stats().Pending)
}

func TestSerialDeadbandComparesInflightValue(t *testing.T) {
	port, b, _ := newSerialRig(t)

	b.QueueJoint("shoulder", 0)
	b.tick()
	b.tick()
	b.QueueJoint("elbow", 0.5)
	b.tick()
	b.tick()

	b.QueueJoint("shoulder", 1.0)
	b.tick() // select with 1.0 in flight
	// back to the last sent value while 1.0 is still in flight
	b.QueueJoint("shoulder", 0)
	assert.Equal(t, 1, b.Stats().Pending)
	for i := 0; i < 5; i++ {
		b.tick()
	}

	assert.Equal(t, []uint16{30001, 512, 30002, 767, 30001, 512}, port.decoded(t))
	assert.Equal(t, 0, b.Stats().Pending)
}

func TestSerialInvalidPositionRangeFallsBack(t *testing.T) {
	port := &fakePort{}
	b := NewSerial(armModel(), SerialOptions{
		Options:   testOptions(map[string]string{"shoulder": "1"}, &statusLog{}),
		Transport: port,
		Positions: protocol.PositionRange{Min: 0, Max: 4095},
	})
	defer b.Close()
	require.NoError(t, b.Connect(context.Background()))

	b.QueueJoint("shoulder", 1.57)
	b.tick()
	b.tick()

	assert.Equal(t, []uint16{30001, 1023}, port.decoded(t))
	assert.Equal(t, uint64(0), b.Stats().Dropped)
}

func TestSerialUnencodablePositionDropped(t *testing.T) {
	port, b, _ := newSerialRig(t)
	b.mu.Lock()
	b.positions = protocol.PositionRange{Min: 0, Max: 4095}
	b.mu.Unlock()

	b.QueueJoint("shoulder", 1.57)
	b.tick() // select
	b.tick() // position 4095 cannot be framed

	assert.Equal(t, []uint16{30001}, port.decoded(t))
	stats := b.Stats()
	assert.Equal(t, uint64(1), stats.Sent)
	assert.Equal(t, uint64(1), stats.Dropped)
	assert.Equal(t, 0, stats.Pending)
	_, ok := b.Tx()
	assert.False(t, ok)
	assert.True(t, b.IsConnected())

	// same motor again goes straight to a position frame, also dropped
	b.QueueJoint("shoulder", 1.0)
	b.tick()
	assert.Equal(t, []uint16{30001}, port.decoded(t))
	assert.Equal(t, uint64(2), b.Stats().Dropped)
}

func TestSerialWriteFailureRequeues(t *testing.T) {
	port, b, st := newSerialRig(t)

	b.QueueJoint("shoulder", 0.3)
	port.fail(1)
	b.tick()

	assert.False(t, b.IsConnected())
	_, ok := b.Tx()
	assert.False(t, ok)
	_, ok = b.CurrentTarget()
	assert.False(t, ok)
	assert.Equal(t, 1, b.Stats().Pending)
	assert.Equal(t, uint64(1), b.Stats().Errors)

	last, ok := st.last()
	require.True(t, ok)
	assert.False(t, last.Connected)
	assert.Contains(t, last.LastError, "boom")

	// nothing goes out while disconnected
	b.tick()
	assert.Empty(t, port.frames())

	require.NoError(t, b.Connect(context.Background()))
	b.tick()
	b.tick()
	assert.Equal(t, []uint16{30001, protocolPos(0.3)}, port.decoded(t))
}

func TestSerialPositionFailureRequeuesUnlessNewer(t *testing.T) {
	port, b, _ := newSerialRig(t)

	b.QueueJoint("shoulder", 0.3)
	b.tick()
	port.fail(1)
	b.tick()

	b.mu.Lock()
	v, ok := b.pending.Get("1")
	b.mu.Unlock()
	require.True(t, ok)
	assert.Equal(t, 0.3, v)
}

func TestSerialInvalidMotorDropped(t *testing.T) {
	port, b, _ := newSerialRig(t)

	b.QueueJoint("wrist", 0.1) // unmapped, not numeric
	b.tick()

	assert.Empty(t, port.frames())
	assert.Equal(t, uint64(1), b.Stats().Dropped)
	assert.True(t, b.IsConnected())
}

func TestSerialConnectError(t *testing.T) {
	port := &fakePort{openErr: errBoom}
	st := &statusLog{}
	b := NewSerial(armModel(), SerialOptions{
		Options:   testOptions(nil, st),
		Transport: port,
	})
	defer b.Close()

	err := b.Connect(context.Background())
	var terr *TransportError
	require.ErrorAs(t, err, &terr)
	assert.Equal(t, "open", terr.Op)
	assert.False(t, b.IsConnected())
}

func TestSerialAutoConnectFailureReported(t *testing.T) {
	port := &fakePort{openErr: errBoom}
	st := &statusLog{}
	b := NewSerial(armModel(), SerialOptions{
		Options:     testOptions(nil, st),
		Transport:   port,
		AutoConnect: true,
	})
	defer b.Close()

	require.Eventually(t, func() bool {
		last, ok := st.last()
		return ok && last.LastError != ""
	}, time.Second, 5*time.Millisecond)
	last, _ := st.last()
	assert.False(t, last.Connected)
	assert.Contains(t, last.LastError, "boom")
}

func TestSerialDisconnectAlwaysReportsDown(t *testing.T) {
	port, b, st := newSerialRig(t)

	b.Disconnect()
	b.Disconnect()
	assert.False(t, b.IsConnected())
	assert.Equal(t, 2, port.closes)
	last, _ := st.last()
	assert.False(t, last.Connected)
}

func TestSerialClose(t *testing.T) {
	port, b, _ := newSerialRig(t)

	b.QueueJoint("shoulder", 0.4)
	b.tick()
	done := b.Close()

	_, ok := b.Tx()
	assert.False(t, ok)
	assert.Equal(t, 0, b.Stats().Pending)

	waitClosed(t, done)
	assert.False(t, port.IsOpen())
	assert.ErrorIs(t, b.Connect(context.Background()), ErrClosed)

	// second close is harmless
	waitClosed(t, b.Close())
}

func protocolPos(angle float64) uint16 {
	lim := armModel().Limits()["shoulder"]
	return uint16(protocol.AngleToPosition(angle, lim, protocol.DefaultPositionRange()))
}
