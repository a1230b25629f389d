// Package protocol defines the wire formats spoken to actuators: JSON text
// messages for the network transport and 6-byte frames for the serial one.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// MessageType identifies the type of a JSON message
type MessageType string

const (
	// Bridge → Actuator messages
	TypeCmdJoint  MessageType = "cmd_joint"  // Joint targets
	TypeCmdTorque MessageType = "cmd_torque" // Torque enable/disable

	// Actuator → Bridge messages
	TypeStateJoint MessageType = "state_joint" // Joint telemetry
	TypeAck        MessageType = "ack"         // Command acknowledgement

	// Health check
	TypePing MessageType = "ping"
	TypePong MessageType = "pong"
)

// Units tags joint values on the wire.
const (
	UnitsRad = "rad"
	UnitsDeg = "deg"
)

// Message is a parsed inbound message. Payloads are flat: the type tag sits
// next to the message fields, so Raw keeps the whole frame for Decode.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"ts,omitempty"` // Unix milliseconds
	Raw       []byte      `json:"-"`
}

// Decode unmarshals the full frame into v
func (m *Message) Decode(v interface{}) error {
	if m.Raw == nil {
		return nil
	}
	return json.Unmarshal(m.Raw, v)
}

// ParseMessage parses a JSON message from bytes
func ParseMessage(data []byte) (*Message, error) {
	var head struct {
		Type      MessageType `json:"type"`
		Timestamp float64     `json:"ts"`
	}
	if err := json.Unmarshal(data, &head); err != nil {
		return nil, fmt.Errorf("failed to parse message: %w", err)
	}
	if head.Type == "" {
		return nil, ErrMissingType
	}
	return &Message{Type: head.Type, Timestamp: int64(head.Timestamp), Raw: data}, nil
}

// Encode returns the JSON text of an outbound message
func Encode(v interface{}) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal message: %w", err)
	}
	return b, nil
}

// NowMillis returns the current time as Unix milliseconds
func NowMillis() int64 {
	return time.Now().UnixMilli()
}

// =============================================================================
// Bridge → Actuator Message Types
// =============================================================================

// CmdJoint carries a coalesced batch of joint targets keyed by hardware id
type CmdJoint struct {
	Type      MessageType        `json:"type"`
	Joints    map[string]float64 `json:"joints"`
	Units     string             `json:"units"`
	Seq       uint32             `json:"seq"`
	Timestamp int64              `json:"ts"`
}

// CmdTorque enables or disables actuator torque
type CmdTorque struct {
	Type      MessageType `json:"type"`
	Enabled   bool        `json:"enabled"`
	Seq       uint32      `json:"seq"`
	Timestamp int64       `json:"ts"`
}

// =============================================================================
// Actuator → Bridge Message Types
// =============================================================================

// StateJoint is actuator telemetry. Units defaults to radians when absent.
type StateJoint struct {
	Type      MessageType        `json:"type"`
	Joints    map[string]float64 `json:"joints"`
	Units     string             `json:"units,omitempty"`
	Timestamp int64              `json:"ts,omitempty"`
	Errors    json.RawMessage    `json:"errors,omitempty"`
}

// Ack acknowledges a command by sequence number
type Ack struct {
	Type      MessageType `json:"type"`
	Seq       uint32      `json:"seq"`
	Timestamp int64       `json:"ts,omitempty"`
}

// =============================================================================
// Bidirectional Message Types
// =============================================================================

// Ping is a health check
type Ping struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"ts"`
}

// Pong answers a ping
type Pong struct {
	Type      MessageType `json:"type"`
	Timestamp int64       `json:"ts"`
}
