// ABOUTME: Application-layer encrypted channel: X25519 agreement + AES-256-GCM
// ABOUTME: Nonces are per-direction 96-bit counters; reuse is fatal

package wire

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"

	"golang.org/x/crypto/curve25519"
)

// Crypto errors. All of them are fatal for the connection.
var (
	ErrBadPeerKey     = errors.New("invalid peer public key")
	ErrNonceRegressed = errors.New("nonce not strictly increasing")
	ErrCiphertext     = errors.New("ciphertext too short")
	ErrDecrypt        = errors.New("decryption failed")
)

const (
	// KeySize is the X25519 public/private key length.
	KeySize = 32
	// NonceSize is the AES-GCM nonce length (96 bits).
	NonceSize = 12
	// TagSize is the GCM authentication tag length.
	TagSize = 16
)

// KeyPair is an ephemeral X25519 keypair generated per connection.
type KeyPair struct {
	Private [KeySize]byte
	Public  [KeySize]byte
}

// NewKeyPair generates an ephemeral X25519 keypair from the system RNG.
func NewKeyPair() (*KeyPair, error) {
	kp := &KeyPair{}
	if _, err := rand.Read(kp.Private[:]); err != nil {
		return nil, fmt.Errorf("generating private key: %w", err)
	}
	pub, err := curve25519.X25519(kp.Private[:], curve25519.Basepoint)
	if err != nil {
		return nil, fmt.Errorf("deriving public key: %w", err)
	}
	copy(kp.Public[:], pub)
	return kp, nil
}

// SecureChannel is one connection's AEAD state. Each direction keeps an
// independent 96-bit counter used directly as the nonce; the counter advances
// by exactly one per sealed frame and the receiver enforces strict monotonic
// increase. The state is never shared between connections or serialized.
type SecureChannel struct {
	aead cipher.AEAD

	sendCtr  uint64
	recvNext uint64
	recvSet  bool
}

// NewSecureChannel derives the shared AEAD from our private key and the
// peer's public key. The AES-256 key is the SHA-256 of the X25519 shared
// secret, identical on both sides.
func NewSecureChannel(private *[KeySize]byte, peerPublic []byte) (*SecureChannel, error) {
	if len(peerPublic) != KeySize {
		return nil, ErrBadPeerKey
	}
	shared, err := curve25519.X25519(private[:], peerPublic)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadPeerKey, err)
	}
	key := sha256.Sum256(shared)

	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, fmt.Errorf("creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("creating GCM: %w", err)
	}
	return &SecureChannel{aead: aead}, nil
}

// Seal encrypts a plaintext into nonce(12) || ciphertext || tag(16) and
// advances the send counter by one.
func (c *SecureChannel) Seal(plaintext []byte) []byte {
	nonce := counterNonce(c.sendCtr)
	c.sendCtr++
	out := make([]byte, NonceSize, NonceSize+len(plaintext)+TagSize)
	copy(out, nonce[:])
	return c.aead.Seal(out, nonce[:], plaintext, nil)
}

// Open authenticates and decrypts a sealed payload. The embedded nonce must
// be strictly greater than the last accepted one; a duplicate or regressed
// nonce returns ErrNonceRegressed and the caller must close the connection.
func (c *SecureChannel) Open(payload []byte) ([]byte, error) {
	if len(payload) < NonceSize+TagSize {
		return nil, ErrCiphertext
	}
	var nonce [NonceSize]byte
	copy(nonce[:], payload[:NonceSize])

	ctr, ok := nonceCounter(nonce)
	if !ok {
		return nil, ErrNonceRegressed
	}
	if c.recvSet && ctr < c.recvNext {
		return nil, ErrNonceRegressed
	}

	plaintext, err := c.aead.Open(nil, nonce[:], payload[NonceSize:], nil)
	if err != nil {
		return nil, ErrDecrypt
	}

	c.recvNext = ctr + 1
	c.recvSet = true
	return plaintext, nil
}

// counterNonce encodes a counter as a 96-bit big-endian nonce.
func counterNonce(ctr uint64) [NonceSize]byte {
	var nonce [NonceSize]byte
	binary.BigEndian.PutUint64(nonce[4:], ctr)
	return nonce
}

// nonceCounter decodes the counter, rejecting values outside the 64-bit range
// a conforming sender can produce.
func nonceCounter(nonce [NonceSize]byte) (uint64, bool) {
	for _, b := range nonce[:4] {
		if b != 0 {
			return 0, false
		}
	}
	return binary.BigEndian.Uint64(nonce[4:]), true
}
