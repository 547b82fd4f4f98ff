// Package wire implements the length-prefixed, type-tagged framing
// discipline shared by every QUIC stream in the protocol. It has no
// knowledge of ProtocolMessage or channels; it only guarantees message
// boundaries on a stream.
package wire

import (
	"encoding/binary"
	"fmt"
	"io"
)

// Type tags for the 1-byte frame discriminator.
const (
	TagProtocol byte = 0x00
	TagRaw      byte = 0x01
)

// MaxFrameLength is the hard ceiling on a frame's total length (tag +
// payload), matching the wire spec's 8 MiB limit.
const MaxFrameLength = 8 * 1024 * 1024

// MaxPayloadLength is the largest payload writable in a single frame,
// i.e. MaxFrameLength minus the 1-byte type tag.
const MaxPayloadLength = MaxFrameLength - 1

// WriteTypedFrame writes a 4-byte big-endian length (covering tag +
// payload), the type tag, then the payload. It rejects payloads that
// would make the frame exceed MaxFrameLength.
func WriteTypedFrame(w io.Writer, tag byte, payload []byte) error {
	total := len(payload) + 1
	if total > MaxFrameLength {
		return fmt.Errorf("wire: frame of %d bytes exceeds max frame length %d", total, MaxFrameLength)
	}

	header := make([]byte, 5)
	binary.BigEndian.PutUint32(header[:4], uint32(total))
	header[4] = tag

	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("wire: write frame header: %w", err)
	}
	if len(payload) > 0 {
		if _, err := w.Write(payload); err != nil {
			return fmt.Errorf("wire: write frame payload: %w", err)
		}
	}
	return nil
}

// ReadTypedFrame reads one frame, validating 0 < length <= MaxFrameLength
// before allocating the payload buffer, and returns the type tag plus the
// raw payload bytes (tag excluded). A truncated read, oversized frame, or
// zero-length frame is fatal for the stream.
func ReadTypedFrame(r io.Reader) (tag byte, payload []byte, err error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("wire: read frame length: %w", err)
	}

	length := binary.BigEndian.Uint32(lenBuf[:])
	if length == 0 {
		return 0, nil, fmt.Errorf("wire: zero-length frame")
	}
	if length > MaxFrameLength {
		return 0, nil, fmt.Errorf("wire: frame length %d exceeds max %d", length, MaxFrameLength)
	}

	var tagBuf [1]byte
	if _, err := io.ReadFull(r, tagBuf[:]); err != nil {
		return 0, nil, fmt.Errorf("wire: read frame tag: %w", err)
	}

	payloadLen := length - 1
	body := make([]byte, payloadLen)
	if payloadLen > 0 {
		if _, err := io.ReadFull(r, body); err != nil {
			return 0, nil, fmt.Errorf("wire: read frame payload: %w", err)
		}
	}
	return tagBuf[0], body, nil
}
