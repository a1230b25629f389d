package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.bug.st/serial"

	mlog "github.com/teslashibe/go-mechaverse/internal/log"
	"github.com/teslashibe/go-mechaverse/pkg/bridge"
	"github.com/teslashibe/go-mechaverse/pkg/joint"
	"github.com/teslashibe/go-mechaverse/pkg/protocol"
)

// actuatorServer records frames and answers cmd_joint with state_joint
func actuatorServer(t *testing.T, got chan<- protocol.MessageType) *httptest.Server {
	upgrader := websocket.Upgrader{}
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			t.Errorf("upgrade: %v", err)
			return
		}
		defer ws.Close()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			msg, err := protocol.ParseMessage(data)
			if err != nil {
				continue
			}
			got <- msg.Type
			if msg.Type != protocol.TypeCmdJoint {
				continue
			}
			cmd, err := msg.GetCmdJoint()
			if err != nil {
				continue
			}
			reply, _ := protocol.Encode(protocol.NewStateJoint(cmd.Joints, protocol.UnitsRad))
			if err := ws.WriteMessage(websocket.TextMessage, reply); err != nil {
				return
			}
		}
	}))
}

func TestWebsocketBridgeRoundTrip(t *testing.T) {
	got := make(chan protocol.MessageType, 16)
	srv := actuatorServer(t, got)
	defer srv.Close()

	model := joint.NewModel([]joint.Spec{{Name: "shoulder", Limit: joint.Bounds(-1, 1)}})
	b := bridge.NewNetwork(model, bridge.NetworkOptions{
		Options: bridge.Options{
			JointMap:      map[string]string{"shoulder": "1"},
			FlushInterval: 5 * time.Millisecond,
			Logger:        mlog.Discard(),
		},
		URL:    "ws" + strings.TrimPrefix(srv.URL, "http"),
		Dialer: NewWebsocketDialer(time.Second),
	})
	defer b.Close()

	require.NoError(t, b.Connect(context.Background()))
	assert.Equal(t, protocol.TypePing, <-got)

	require.NoError(t, model.Slot().SetJointValue("shoulder", 0.4))

	select {
	case typ := <-got:
		assert.Equal(t, protocol.TypeCmdJoint, typ)
	case <-time.After(2 * time.Second):
		t.Fatal("no cmd_joint received")
	}

	assert.Eventually(t, func() bool {
		return b.Status().LastStateTS != 0
	}, 2*time.Second, 10*time.Millisecond)

	// the echoed state does not produce another command
	select {
	case typ := <-got:
		t.Fatalf("unexpected %s after telemetry", typ)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestWebsocketDialFailure(t *testing.T) {
	d := NewWebsocketDialer(0)
	assert.Equal(t, DefaultHandshakeTimeout, d.HandshakeTimeout)

	_, err := d.Dial(context.Background(), "ws://127.0.0.1:1/ws")
	assert.Error(t, err)
}

// fakeSerial implements the parts of serial.Port the adapter uses
type fakeSerial struct {
	serial.Port
	mu      sync.Mutex
	written []byte
	closed  bool
}

func (f *fakeSerial) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.written = append(f.written, p...)
	return len(p), nil
}

func (f *fakeSerial) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func TestSerialPortLifecycle(t *testing.T) {
	dev := &fakeSerial{}
	var gotMode serial.Mode
	p := NewSerialPort("/dev/ttyUSB0", 0).WithOpener(func(name string, mode *serial.Mode) (serial.Port, error) {
		gotMode = *mode
		return dev, nil
	})

	_, err := p.Write([]byte{1})
	assert.ErrorIs(t, err, ErrPortClosed)
	assert.False(t, p.IsOpen())

	require.NoError(t, p.Open(context.Background()))
	assert.True(t, p.IsOpen())
	assert.Equal(t, serial.Mode{BaudRate: 57600, DataBits: 8, Parity: serial.NoParity, StopBits: serial.OneStopBit}, gotMode)

	frame := protocol.EncodeFrame(30001)
	n, err := p.Write(frame[:])
	require.NoError(t, err)
	assert.Equal(t, 6, n)
	assert.Equal(t, frame[:], dev.written)

	require.NoError(t, p.Close())
	assert.True(t, dev.closed)
	assert.False(t, p.IsOpen())
	require.NoError(t, p.Close())
}

func TestSerialPortOpenErrors(t *testing.T) {
	assert.ErrorIs(t, NewSerialPort("", 9600).Open(context.Background()), ErrNoPort)

	boom := errors.New("permission denied")
	p := NewSerialPort("/dev/ttyACM0", 9600).WithOpener(func(string, *serial.Mode) (serial.Port, error) {
		return nil, boom
	})
	assert.ErrorIs(t, p.Open(context.Background()), boom)
	assert.Equal(t, 9600, p.Mode().BaudRate)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, p.Open(ctx), context.Canceled)
}

func TestSerialBridgeOverPort(t *testing.T) {
	dev := &fakeSerial{}
	port := NewSerialPort("/dev/ttyUSB0", 0).WithOpener(func(string, *serial.Mode) (serial.Port, error) {
		return dev, nil
	})
	model := joint.NewModel([]joint.Spec{{Name: "shoulder", Limit: joint.Bounds(-1.57, 1.57)}})
	b := bridge.NewSerial(model, bridge.SerialOptions{
		Options: bridge.Options{
			JointMap:      map[string]string{"shoulder": "1"},
			FlushInterval: 5 * time.Millisecond,
			Logger:        mlog.Discard(),
		},
		Transport: port,
	})
	defer b.Close()
	require.NoError(t, b.Connect(context.Background()))

	require.NoError(t, model.Slot().SetJointValue("shoulder", 1.57))

	assert.Eventually(t, func() bool {
		dev.mu.Lock()
		defer dev.mu.Unlock()
		return len(dev.written) == 12
	}, 2*time.Second, 5*time.Millisecond)

	sel := protocol.EncodeFrame(30001)
	pos := protocol.EncodeFrame(1023)
	dev.mu.Lock()
	assert.Equal(t, append(sel[:], pos[:]...), dev.written)
	dev.mu.Unlock()
}

func TestFilterCandidatePorts(t *testing.T) {
	tests := []struct {
		name     string
		ports    []string
		expected []string
	}{
		{
			name:     "Linux USB ports",
			ports:    []string{"/dev/ttyUSB0", "/dev/ttyS0", "/dev/ttyACM0", "/dev/null"},
			expected: []string{"/dev/ttyUSB0", "/dev/ttyACM0"},
		},
		{
			name:     "macOS USB ports",
			ports:    []string{"/dev/tty.usbmodem123", "/dev/tty.Bluetooth", "/dev/cu.usbserial-AB"},
			expected: []string{"/dev/tty.usbmodem123", "/dev/cu.usbserial-AB"},
		},
		{
			name:     "Windows COM ports",
			ports:    []string{"COM3", "COM10", "LPT1"},
			expected: []string{"COM3", "COM10"},
		},
		{
			name:     "Empty list",
			ports:    []string{},
			expected: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, filterCandidatePorts(tt.ports))
		})
	}
}

func TestPortSuffix(t *testing.T) {
	assert.Equal(t, "ttyUSB0", portSuffix("/dev/ttyUSB0"))
	assert.Equal(t, "usbmodem123", portSuffix("/dev/tty.usbmodem123"))
	assert.Equal(t, "usbserial-AB", portSuffix("/dev/cu.usbserial-AB"))
	assert.Equal(t, "COM3", portSuffix("COM3"))
}
