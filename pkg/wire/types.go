package wire

import (
	"errors"
)

// Frame protocol constants
const (
	// Magic marks the start of every frame: "NLK1"
	Magic = uint32(0x4E4C4B31)

	// Frame types
	TypeHandshake  = uint32(1)
	TypeHeartbeat  = uint32(2)
	TypeData       = uint32(3)
	TypeAck        = uint32(4)
	TypeError      = uint32(5)
	TypeDisconnect = uint32(6)

	// HeaderSize is the fixed portion preceding the payload:
	// 4B magic + 16B message id + 4B type + 4B length + 4B CRC32 + 8B timestamp
	HeaderSize = 40

	// MaxPayloadSize bounds a single frame payload
	MaxPayloadSize = 256 * 1024
)

// Common errors
var (
	ErrCorruptFrame = errors.New("corrupt frame")
	ErrShortFrame   = errors.New("short frame")
	ErrFrameTooBig  = errors.New("frame exceeds max payload size")
)

// TypeName returns a readable name for a frame type tag
func TypeName(t uint32) string {
	switch t {
	case TypeHandshake:
		return "HANDSHAKE"
	case TypeHeartbeat:
		return "HEARTBEAT"
	case TypeData:
		return "DATA"
	case TypeAck:
		return "ACK"
	case TypeError:
		return "ERROR"
	case TypeDisconnect:
		return "DISCONNECT"
	default:
		return "UNKNOWN"
	}
}
