package wire

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
)

// Control payloads travel as JSON inside the frame payload. DATA frames use a
// binary preamble instead (see EncodeDataPayload) so application bytes are
// never re-encoded.

// HandshakeRequest is sent by the client to open a session
type HandshakeRequest struct {
	DeviceID        string `json:"deviceID"`
	ProtocolVersion int    `json:"protocolVersion"`
	Credential      string `json:"credential"`
}

// HandshakeAck is the server reply to a successful handshake
type HandshakeAck struct {
	SessionID    string   `json:"sessionID"`
	Capabilities []string `json:"capabilities"`
}

// HeartbeatRequest carries client-side metrics with each probe
type HeartbeatRequest struct {
	Timestamp int64         `json:"timestamp"`
	SessionID string        `json:"sessionID"`
	Metrics   ClientMetrics `json:"clientMetrics"`
}

// ClientMetrics is the client's view of link quality, reported to the server
type ClientMetrics struct {
	LatencyMs float64 `json:"latencyMs"`
	JitterMs  float64 `json:"jitterMs"`
	LossRatio float64 `json:"lossRatio"`
	SignalDBm float64 `json:"signalDBm,omitempty"`
}

// HeartbeatAck is the server reply to a heartbeat probe
type HeartbeatAck struct {
	Timestamp        int64  `json:"timestamp"`
	Status           string `json:"status"`
	NextIntervalHint int64  `json:"nextIntervalHint,omitempty"` // seconds
}

// AckPayload acknowledges one DATA frame by sequence number
type AckPayload struct {
	Sequence uint64 `json:"sequence"`
}

// ErrorPayload carries a server-side error code
type ErrorPayload struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Error codes carried in ErrorPayload
const (
	ErrCodeBadCredential  = 1001
	ErrCodeBadVersion     = 1002
	ErrCodeRateLimited    = 1003
	ErrCodeUnknownSession = 1004
	ErrCodeInternal       = 1500
)

// MarshalPayload encodes a control payload as JSON
func MarshalPayload(v interface{}) ([]byte, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return data, nil
}

// UnmarshalPayload decodes a control payload from JSON
func UnmarshalPayload(data []byte, v interface{}) error {
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("unmarshal payload: %w", err)
	}
	return nil
}

// EncodeDataPayload prefixes application bytes with an 8-byte big-endian
// sequence number. Retries reuse the sequence number unchanged.
func EncodeDataPayload(sequence uint64, payload []byte) []byte {
	buf := make([]byte, 8+len(payload))
	binary.BigEndian.PutUint64(buf[0:8], sequence)
	copy(buf[8:], payload)
	return buf
}

// DecodeDataPayload splits a DATA frame payload into sequence and bytes
func DecodeDataPayload(data []byte) (uint64, []byte, error) {
	if len(data) < 8 {
		return 0, nil, fmt.Errorf("%w: data payload shorter than sequence preamble", ErrCorruptFrame)
	}
	return binary.BigEndian.Uint64(data[0:8]), data[8:], nil
}
