// ABOUTME: Length-prefixed frame codec for the TCP protocol
// ABOUTME: u32 big-endian length followed by that many payload bytes

package wire

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// DefaultMaxFrame is the default maximum payload length (1 MiB).
const DefaultMaxFrame = 1 << 20

// ErrFrameTooLarge is returned when a frame length exceeds the configured
// maximum. It is fatal for the connection.
var ErrFrameTooLarge = errors.New("frame exceeds maximum length")

// ReadFrame reads one length-prefixed frame. A length over max is a protocol
// error; the caller must close the connection.
func ReadFrame(r io.Reader, max int) ([]byte, error) {
	var header [4]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return nil, err
	}
	length := binary.BigEndian.Uint32(header[:])
	if int64(length) > int64(max) {
		return nil, fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, length, max)
	}
	payload := make([]byte, length)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return payload, nil
}

// WriteFrame writes one length-prefixed frame.
func WriteFrame(w io.Writer, payload []byte, max int) error {
	if len(payload) > max {
		return fmt.Errorf("%w: %d > %d", ErrFrameTooLarge, len(payload), max)
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(payload)))
	if _, err := w.Write(header[:]); err != nil {
		return err
	}
	_, err := w.Write(payload)
	return err
}
