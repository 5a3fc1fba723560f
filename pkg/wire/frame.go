package wire

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"time"

	"github.com/google/uuid"
)

// Frame is one wire message:
// [4B magic][16B message-id][4B type][4B length][4B CRC32][8B timestamp][payload]
// All integer fields are big-endian. The CRC32 (IEEE) covers the payload only.
type Frame struct {
	MessageID uuid.UUID
	Type      uint32
	Timestamp time.Time
	Payload   []byte
}

// NewFrame creates a frame with a fresh message id and the current time
func NewFrame(frameType uint32, payload []byte) *Frame {
	return &Frame{
		MessageID: uuid.New(),
		Type:      frameType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// Encode serializes the frame. Encoding is pure: the frame is not mutated.
func (f *Frame) Encode() ([]byte, error) {
	if len(f.Payload) > MaxPayloadSize {
		return nil, ErrFrameTooBig
	}

	buf := make([]byte, HeaderSize+len(f.Payload))
	binary.BigEndian.PutUint32(buf[0:4], Magic)
	copy(buf[4:20], f.MessageID[:])
	binary.BigEndian.PutUint32(buf[20:24], f.Type)
	binary.BigEndian.PutUint32(buf[24:28], uint32(len(f.Payload)))
	binary.BigEndian.PutUint32(buf[28:32], crc32.ChecksumIEEE(f.Payload))
	binary.BigEndian.PutUint64(buf[32:40], uint64(f.Timestamp.UnixMicro()))
	copy(buf[HeaderSize:], f.Payload)

	return buf, nil
}

// Decode parses a complete frame from data. It fails closed: any magic,
// length or checksum mismatch yields ErrCorruptFrame and nothing is applied.
func Decode(data []byte) (*Frame, error) {
	if len(data) < HeaderSize {
		return nil, ErrShortFrame
	}

	if binary.BigEndian.Uint32(data[0:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptFrame)
	}

	length := binary.BigEndian.Uint32(data[24:28])
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared length %d exceeds limit", ErrCorruptFrame, length)
	}
	if len(data) != HeaderSize+int(length) {
		return nil, fmt.Errorf("%w: length mismatch (declared %d, got %d)",
			ErrCorruptFrame, length, len(data)-HeaderSize)
	}

	payload := make([]byte, length)
	copy(payload, data[HeaderSize:])

	if crc32.ChecksumIEEE(payload) != binary.BigEndian.Uint32(data[28:32]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrCorruptFrame)
	}

	f := &Frame{
		Type:      binary.BigEndian.Uint32(data[20:24]),
		Timestamp: time.UnixMicro(int64(binary.BigEndian.Uint64(data[32:40]))).UTC(),
		Payload:   payload,
	}
	copy(f.MessageID[:], data[4:20])

	return f, nil
}

// WriteTo writes the encoded frame to w
func (f *Frame) WriteTo(w io.Writer) error {
	data, err := f.Encode()
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadFrom reads exactly one frame from r. The header is read first so the
// payload length is known before the payload bytes are consumed.
func ReadFrom(r io.Reader) (*Frame, error) {
	header := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}

	if binary.BigEndian.Uint32(header[0:4]) != Magic {
		return nil, fmt.Errorf("%w: bad magic", ErrCorruptFrame)
	}

	length := binary.BigEndian.Uint32(header[24:28])
	if length > MaxPayloadSize {
		return nil, fmt.Errorf("%w: declared length %d exceeds limit", ErrCorruptFrame, length)
	}

	data := make([]byte, HeaderSize+int(length))
	copy(data, header)
	if _, err := io.ReadFull(r, data[HeaderSize:]); err != nil {
		return nil, err
	}

	return Decode(data)
}
