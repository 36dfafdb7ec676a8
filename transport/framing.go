package transport

import (
	"encoding/binary"
	"fmt"
	"io"
)

// WriteFrame writes a 4-byte big-endian length prefix followed by payload,
// the stream framing used by the TCP and Unix transports (the child-process
// transport speaks newline-delimited JSON through StdioTransport instead).
func WriteFrame(w io.Writer, payload []byte) error {
	if len(payload) > MaxMessageSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds max %d", len(payload), MaxMessageSize)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return fmt.Errorf("transport: write frame header: %w", err)
	}
	if _, err := w.Write(payload); err != nil {
		return fmt.Errorf("transport: write frame payload: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed frame from r. An oversize frame is a
// protocol error per spec §6 ("larger -> protocol error, connection
// closed") rather than a partial read.
func ReadFrame(r io.Reader) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(header[:])
	if size > MaxMessageSize {
		return nil, fmt.Errorf("transport: frame of %d bytes exceeds max %d", size, MaxMessageSize)
	}
	payload := make([]byte, size)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("transport: read frame payload: %w", err)
	}
	return payload, nil
}
