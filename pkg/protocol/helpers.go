package protocol

import (
	"encoding/json"
	"errors"
	"math"
)

var (
	// ErrMissingType is returned for JSON frames without a type tag
	ErrMissingType = errors.New("protocol: missing message type")

	// ErrMissingJoints is returned for state_joint frames without a joints object
	ErrMissingJoints = errors.New("protocol: missing joints")
)

// =============================================================================
// Helper functions for creating messages
// =============================================================================

// NewCmdJoint creates a joint command in radians
func NewCmdJoint(joints map[string]float64, seq uint32) *CmdJoint {
	return &CmdJoint{
		Type:      TypeCmdJoint,
		Joints:    joints,
		Units:     UnitsRad,
		Seq:       seq,
		Timestamp: NowMillis(),
	}
}

// NewCmdTorque creates a torque command
func NewCmdTorque(enabled bool, seq uint32) *CmdTorque {
	return &CmdTorque{
		Type:      TypeCmdTorque,
		Enabled:   enabled,
		Seq:       seq,
		Timestamp: NowMillis(),
	}
}

// NewPing creates a ping
func NewPing() *Ping {
	return &Ping{Type: TypePing, Timestamp: NowMillis()}
}

// NewPong creates a pong
func NewPong() *Pong {
	return &Pong{Type: TypePong, Timestamp: NowMillis()}
}

// NewAck acknowledges seq
func NewAck(seq uint32) *Ack {
	return &Ack{Type: TypeAck, Seq: seq, Timestamp: NowMillis()}
}

// NewStateJoint creates a telemetry message
func NewStateJoint(joints map[string]float64, units string) *StateJoint {
	return &StateJoint{
		Type:      TypeStateJoint,
		Joints:    joints,
		Units:     units,
		Timestamp: NowMillis(),
	}
}

// =============================================================================
// Helper functions for extracting typed data
// =============================================================================

// rawStateJoint tolerates non-numeric joint entries so one bad value does not
// discard the whole frame.
type rawStateJoint struct {
	Joints    map[string]json.RawMessage `json:"joints"`
	Units     string                     `json:"units"`
	Timestamp float64                    `json:"ts"`
	Errors    json.RawMessage            `json:"errors"`
}

// GetStateJoint extracts telemetry from a state_joint message. Entries that
// are not finite numbers are dropped.
func (m *Message) GetStateJoint() (*StateJoint, error) {
	if m.Type != TypeStateJoint {
		return nil, errors.New("protocol: not a state_joint message")
	}
	var raw rawStateJoint
	if err := m.Decode(&raw); err != nil {
		return nil, err
	}
	if raw.Joints == nil {
		return nil, ErrMissingJoints
	}
	st := &StateJoint{
		Type:      TypeStateJoint,
		Joints:    make(map[string]float64, len(raw.Joints)),
		Units:     raw.Units,
		Timestamp: int64(raw.Timestamp),
		Errors:    raw.Errors,
	}
	for k, v := range raw.Joints {
		var f *float64
		if err := json.Unmarshal(v, &f); err != nil || f == nil || math.IsNaN(*f) || math.IsInf(*f, 0) {
			continue
		}
		st.Joints[k] = *f
	}
	return st, nil
}

// GetCmdJoint extracts a joint command
func (m *Message) GetCmdJoint() (*CmdJoint, error) {
	var cmd CmdJoint
	if err := m.Decode(&cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// GetCmdTorque extracts a torque command
func (m *Message) GetCmdTorque() (*CmdTorque, error) {
	var cmd CmdTorque
	if err := m.Decode(&cmd); err != nil {
		return nil, err
	}
	return &cmd, nil
}

// GetAck extracts an acknowledgement
func (m *Message) GetAck() (*Ack, error) {
	var ack Ack
	if err := m.Decode(&ack); err != nil {
		return nil, err
	}
	return &ack, nil
}
