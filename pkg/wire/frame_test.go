package wire

import (
	"bytes"
	"errors"
	"testing"
)

func TestFrameRoundTrip(t *testing.T) {
	payloads := [][]byte{
		nil,
		{},
		[]byte("x"),
		[]byte("hello, reader"),
		bytes.Repeat([]byte{0xAB}, 4096),
		bytes.Repeat([]byte{0x00}, MaxPayloadSize),
	}

	for _, p := range payloads {
		in := NewFrame(TypeData, p)
		data, err := in.Encode()
		if err != nil {
			t.Fatalf("encode (%d bytes): %v", len(p), err)
		}

		out, err := Decode(data)
		if err != nil {
			t.Fatalf("decode (%d bytes): %v", len(p), err)
		}
		if out.MessageID != in.MessageID {
			t.Fatalf("message id mismatch: %s != %s", out.MessageID, in.MessageID)
		}
		if out.Type != in.Type {
			t.Fatalf("type mismatch: %d != %d", out.Type, in.Type)
		}
		if out.Timestamp.UnixMicro() != in.Timestamp.UnixMicro() {
			t.Fatalf("timestamp mismatch: %v != %v", out.Timestamp, in.Timestamp)
		}
		if !bytes.Equal(out.Payload, in.Payload) {
			t.Fatalf("payload mismatch for %d bytes", len(p))
		}
	}
}

func TestDecodeCorruptedByte(t *testing.T) {
	in := NewFrame(TypeData, []byte("scan record payload"))
	data, err := in.Encode()
	if err != nil {
		t.Fatalf("encode: %v", err)
	}

	// flip a single bit in every payload byte position in turn
	for i := HeaderSize; i < len(data); i++ {
		bad := make([]byte, len(data))
		copy(bad, data)
		bad[i] ^= 0x01

		if _, err := Decode(bad); !errors.Is(err, ErrCorruptFrame) {
			t.Fatalf("corrupted byte at %d not rejected: %v", i, err)
		}
	}
}

func TestDecodeBadMagic(t *testing.T) {
	in := NewFrame(TypeHeartbeat, []byte("probe"))
	data, _ := in.Encode()
	data[0] ^= 0xFF

	if _, err := Decode(data); !errors.Is(err, ErrCorruptFrame) {
		t.Fatalf("bad magic not rejected: %v", err)
	}
}

func TestDecodeLengthMismatch(t *testing.T) {
	in := NewFrame(TypeData, []byte("abcdef"))
	data, _ := in.Encode()

	if _, err := Decode(data[:len(data)-2]); !errors.Is(err, ErrCorruptFrame) {
		t.Fatalf("truncated frame not rejected: %v", err)
	}
}

func TestDecodeShortFrame(t *testing.T) {
	if _, err := Decode([]byte{0x4E, 0x4C}); !errors.Is(err, ErrShortFrame) {
		t.Fatalf("short frame not rejected: %v", err)
	}
}

func TestEncodeTooBig(t *testing.T) {
	in := NewFrame(TypeData, make([]byte, MaxPayloadSize+1))
	if _, err := in.Encode(); !errors.Is(err, ErrFrameTooBig) {
		t.Fatalf("oversized frame not rejected: %v", err)
	}
}

func TestReadFromStream(t *testing.T) {
	var buf bytes.Buffer
	frames := []*Frame{
		NewFrame(TypeHandshake, []byte(`{"deviceID":"scanner-01"}`)),
		NewFrame(TypeData, EncodeDataPayload(7, []byte("record"))),
		NewFrame(TypeDisconnect, nil),
	}
	for _, f := range frames {
		if err := f.WriteTo(&buf); err != nil {
			t.Fatalf("write: %v", err)
		}
	}

	for i, want := range frames {
		got, err := ReadFrom(&buf)
		if err != nil {
			t.Fatalf("read frame %d: %v", i, err)
		}
		if got.Type != want.Type || got.MessageID != want.MessageID {
			t.Fatalf("frame %d mismatch: %s/%s", i, TypeName(got.Type), got.MessageID)
		}
	}
}

func TestDataPayloadRoundTrip(t *testing.T) {
	data := EncodeDataPayload(42, []byte("tag-uid-04A1B2C3"))
	seq, payload, err := DecodeDataPayload(data)
	if err != nil {
		t.Fatalf("decode data payload: %v", err)
	}
	if seq != 42 {
		t.Fatalf("sequence mismatch: %d", seq)
	}
	if string(payload) != "tag-uid-04A1B2C3" {
		t.Fatalf("payload mismatch: %q", payload)
	}

	if _, _, err := DecodeDataPayload([]byte{1, 2, 3}); err == nil {
		t.Fatal("short data payload not rejected")
	}
}
