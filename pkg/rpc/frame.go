package rpc

import (
	"encoding/binary"
	"fmt"
	"io"
)

// DefaultMaxFrameSize bounds a single frame when the server is not given a
// limit.
const DefaultMaxFrameSize = 4 << 20

// ErrFrameTooLarge is returned when a peer announces a frame above the limit.
var ErrFrameTooLarge = fmt.Errorf("rpc frame exceeds size limit")

// ReadFrame reads one message: a 4-byte little-endian length followed by that
// many payload bytes.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var head [4]byte
	if _, err := io.ReadFull(r, head[:]); err != nil {
		return nil, err
	}
	size := binary.LittleEndian.Uint32(head[:])
	if max > 0 && int64(size) > int64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, size, max)
	}
	buf := make([]byte, size)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("reading %d byte frame: %w", size, err)
	}
	return buf, nil
}

// WriteFrame writes payload prefixed with its little-endian length.
func WriteFrame(w io.Writer, payload []byte) error {
	buf := make([]byte, 4+len(payload))
	binary.LittleEndian.PutUint32(buf, uint32(len(payload)))
	copy(buf[4:], payload)
	_, err := w.Write(buf)
	return err
}
