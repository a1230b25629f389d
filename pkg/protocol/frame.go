package protocol

import (
	"errors"
	"fmt"
)

// Serial framing. Every 16-bit payload travels as
//
//	0xFF 0x55 lo ^lo hi ^hi
//
// A select code addresses a motor; the next position code is applied to it.
const (
	FrameSize = 6

	FrameHeader0 byte = 0xFF
	FrameHeader1 byte = 0x55

	SelectBase  = 30000
	BroadcastID = 254
	MinMotorID  = 1

	MaxPosition = 1023
)

var (
	// ErrInvalidMotorID is returned for motor ids outside 1..254
	ErrInvalidMotorID = errors.New("protocol: invalid motor id")

	// ErrInvalidPosition is returned for position codes outside 0..1023
	ErrInvalidPosition = errors.New("protocol: invalid position")

	// ErrBadFrame is returned when a frame fails header or checksum checks
	ErrBadFrame = errors.New("protocol: bad frame")
)

// EncodeFrame wraps v in a 6-byte frame with complement checksums.
func EncodeFrame(v uint16) [FrameSize]byte {
	lo := byte(v)
	hi := byte(v >> 8)
	return [FrameSize]byte{FrameHeader0, FrameHeader1, lo, ^lo, hi, ^hi}
}

// DecodeFrame validates a frame and returns its payload.
func DecodeFrame(b []byte) (uint16, error) {
	if len(b) != FrameSize {
		return 0, fmt.Errorf("%w: length %d", ErrBadFrame, len(b))
	}
	if b[0] != FrameHeader0 || b[1] != FrameHeader1 {
		return 0, fmt.Errorf("%w: header % x", ErrBadFrame, b[:2])
	}
	if b[3] != ^b[2] || b[5] != ^b[4] {
		return 0, fmt.Errorf("%w: checksum", ErrBadFrame)
	}
	return uint16(b[2]) | uint16(b[4])<<8, nil
}

// SelectCode returns the select payload for a motor. The broadcast id maps
// to the bare base code.
func SelectCode(id int) (uint16, error) {
	switch {
	case id == BroadcastID:
		return SelectBase, nil
	case id >= MinMotorID && id < BroadcastID:
		return uint16(SelectBase + id), nil
	default:
		return 0, fmt.Errorf("%w: %d", ErrInvalidMotorID, id)
	}
}

// SelectFrame encodes the select frame for a motor.
func SelectFrame(id int) ([FrameSize]byte, error) {
	code, err := SelectCode(id)
	if err != nil {
		return [FrameSize]byte{}, err
	}
	return EncodeFrame(code), nil
}

// PositionFrame encodes a raw 10-bit position.
func PositionFrame(pos int) ([FrameSize]byte, error) {
	if pos < 0 || pos > MaxPosition {
		return [FrameSize]byte{}, fmt.Errorf("%w: %d", ErrInvalidPosition, pos)
	}
	return EncodeFrame(uint16(pos)), nil
}
