package protocol

import (
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

// MaxFrameSize caps a single frame at 10 MiB. An oversized frame is
// unrecoverable: the byte stream can no longer be trusted.
const MaxFrameSize = 10 << 20

const headerSize = 4

// ErrOversizedFrame is returned when a frame's declared length exceeds
// MaxFrameSize. The stream must be closed after this error.
var ErrOversizedFrame = errors.New("frame exceeds maximum size")

// Encode serializes v and prepends a 4-byte big-endian length prefix.
func Encode(v any) ([]byte, error) {
	payload, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	if len(payload) > MaxFrameSize {
		return nil, ErrOversizedFrame
	}
	frame := make([]byte, headerSize+len(payload))
	binary.BigEndian.PutUint32(frame[:headerSize], uint32(len(payload)))
	copy(frame[headerSize:], payload)
	return frame, nil
}

// Decoder is a stateful, resumable frame decoder. Feed it arbitrary
// chunks with Push and drain complete frames with Next or Decode.
type Decoder struct {
	buf []byte
}

// NewDecoder creates an empty decoder.
func NewDecoder() *Decoder {
	return &Decoder{}
}

// Push appends raw bytes from the stream.
func (d *Decoder) Push(p []byte) {
	d.buf = append(d.buf, p...)
}

// Buffered returns the number of bytes held for the next frame.
func (d *Decoder) Buffered() int {
	return len(d.buf)
}

// Next returns the payload of the next complete frame, or nil if more
// bytes are needed. A returned frame is removed from the buffer.
func (d *Decoder) Next() ([]byte, error) {
	if len(d.buf) < headerSize {
		return nil, nil
	}
	n := binary.BigEndian.Uint32(d.buf[:headerSize])
	if n > MaxFrameSize {
		return nil, ErrOversizedFrame
	}
	total := headerSize + int(n)
	if len(d.buf) < total {
		return nil, nil
	}
	payload := make([]byte, n)
	copy(payload, d.buf[headerSize:total])
	// Shift the remainder down so the buffer never holds history.
	rest := copy(d.buf, d.buf[total:])
	d.buf = d.buf[:rest]
	return payload, nil
}

// Decode reads the next complete frame into v. Returns false when more
// bytes are needed.
func (d *Decoder) Decode(v any) (bool, error) {
	payload, err := d.Next()
	if err != nil {
		return false, err
	}
	if payload == nil {
		return false, nil
	}
	if err := json.Unmarshal(payload, v); err != nil {
		return false, fmt.Errorf("decode frame: %w", err)
	}
	return true, nil
}
