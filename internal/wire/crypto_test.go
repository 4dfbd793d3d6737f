// ABOUTME: Tests for the encrypted channel: key agreement, AEAD round-trip, nonces
// ABOUTME: Nonce reuse and regression must be rejected

package wire

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// channelPair derives both ends of a connection's encrypted channel.
func channelPair(t *testing.T) (client, server *SecureChannel) {
	t.Helper()
	clientKeys, err := NewKeyPair()
	require.NoError(t, err)
	serverKeys, err := NewKeyPair()
	require.NoError(t, err)

	client, err = NewSecureChannel(&clientKeys.Private, serverKeys.Public[:])
	require.NoError(t, err)
	server, err = NewSecureChannel(&serverKeys.Private, clientKeys.Public[:])
	require.NoError(t, err)
	return client, server
}

func TestSecureChannel_RoundTrip(t *testing.T) {
	client, server := channelPair(t)

	plaintext := []byte(`{"type":"post_message","room_id":"r1","content":"hello"}`)
	sealed := client.Seal(plaintext)

	opened, err := server.Open(sealed)
	require.NoError(t, err)
	assert.Equal(t, plaintext, opened)
}

func TestSecureChannel_NoncesCountFromZero(t *testing.T) {
	client, _ := channelPair(t)

	for want := uint64(0); want < 3; want++ {
		sealed := client.Seal([]byte("x"))
		got := binary.BigEndian.Uint64(sealed[4:NonceSize])
		assert.Equal(t, want, got)
	}
}

func TestSecureChannel_RejectsNonceReuse(t *testing.T) {
	client, server := channelPair(t)

	first := client.Seal([]byte("one"))
	second := client.Seal([]byte("two"))

	_, err := server.Open(first)
	require.NoError(t, err)
	_, err = server.Open(second)
	require.NoError(t, err)

	// Replaying frame two (nonce 1) must fail.
	_, err = server.Open(second)
	assert.ErrorIs(t, err, ErrNonceRegressed)
}

func TestSecureChannel_RejectsRegressedNonce(t *testing.T) {
	client, server := channelPair(t)

	first := client.Seal([]byte("one"))
	second := client.Seal([]byte("two"))

	_, err := server.Open(second)
	require.NoError(t, err)
	_, err = server.Open(first)
	assert.ErrorIs(t, err, ErrNonceRegressed)
}

func TestSecureChannel_RejectsTamperedCiphertext(t *testing.T) {
	client, server := channelPair(t)

	sealed := client.Seal([]byte("payload"))
	sealed[len(sealed)-1] ^= 0x01

	_, err := server.Open(sealed)
	assert.ErrorIs(t, err, ErrDecrypt)
}

func TestSecureChannel_RejectsShortPayload(t *testing.T) {
	_, server := channelPair(t)

	_, err := server.Open(make([]byte, NonceSize+TagSize-1))
	assert.ErrorIs(t, err, ErrCiphertext)
}

func TestSecureChannel_DirectionsAreIndependent(t *testing.T) {
	client, server := channelPair(t)

	// Interleaved traffic in both directions keeps independent counters.
	for i := 0; i < 3; i++ {
		fromClient := client.Seal([]byte("c"))
		_, err := server.Open(fromClient)
		require.NoError(t, err)

		fromServer := server.Seal([]byte("s"))
		_, err = client.Open(fromServer)
		require.NoError(t, err)
	}
}

func TestNewSecureChannel_RejectsBadKeyLength(t *testing.T) {
	keys, err := NewKeyPair()
	require.NoError(t, err)

	_, err = NewSecureChannel(&keys.Private, make([]byte, 16))
	assert.ErrorIs(t, err, ErrBadPeerKey)
}
