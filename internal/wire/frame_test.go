// ABOUTME: Tests for the length-prefixed frame codec
// ABOUTME: Maximum-size boundary: exactly max passes, one byte over fails

package wire

import (
	"bytes"
	"encoding/binary"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := []byte(`{"type":"ping"}`)

	require.NoError(t, WriteFrame(&buf, payload, DefaultMaxFrame))

	got, err := ReadFrame(&buf, DefaultMaxFrame)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestReadFrame_ExactlyMaxAccepted(t *testing.T) {
	const max = 64
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, bytes.Repeat([]byte{'a'}, max), max))

	got, err := ReadFrame(&buf, max)
	require.NoError(t, err)
	assert.Len(t, got, max)
}

func TestReadFrame_OneOverMaxRejected(t *testing.T) {
	const max = 64
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], max+1)
	buf.Write(header[:])
	buf.Write(bytes.Repeat([]byte{'a'}, max+1))

	_, err := ReadFrame(&buf, max)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
}

func TestWriteFrame_OverMaxRejected(t *testing.T) {
	var buf bytes.Buffer
	err := WriteFrame(&buf, make([]byte, 65), 64)
	assert.ErrorIs(t, err, ErrFrameTooLarge)
	assert.Zero(t, buf.Len())
}

func TestReadFrame_TruncatedBody(t *testing.T) {
	var buf bytes.Buffer
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], 10)
	buf.Write(header[:])
	buf.Write([]byte("short"))

	_, err := ReadFrame(&buf, DefaultMaxFrame)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
}

func TestReadFrame_EmptyPayload(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, nil, DefaultMaxFrame))

	got, err := ReadFrame(&buf, DefaultMaxFrame)
	require.NoError(t, err)
	assert.Empty(t, got)
}
