// Package transport implements the wire plumbing under the group-comm tcp
// backend and its sequencer: length-prefixed framing over TCP.
package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single frame; a peer announcing a larger
// payload is protocol-broken or hostile.
const DefaultMaxFrameSize = 1 << 20

// WriteFrame writes a 4-byte big-endian length followed by the payload.
func WriteFrame(w io.Writer, payload []byte) error {
	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(payload)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return fmt.Errorf("transport: write frame length: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame. maxSize caps the announced
// payload length; zero means DefaultMaxFrameSize. io.EOF on a clean frame
// boundary is returned as-is so callers can tell an orderly close from a
// truncated stream.
func ReadFrame(r io.Reader, maxSize int) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxFrameSize
	}
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, fmt.Errorf("transport: read frame length: %w", err)
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if int(n) > maxSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds limit %d", n, maxSize)
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("transport: read frame payload: %w", err)
	}
	return payload, nil
}
