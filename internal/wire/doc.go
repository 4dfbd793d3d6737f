// Package wire defines the TCP protocol surface: the length-prefixed frame
// codec, the JSON message envelope types, and the per-connection encrypted
// channel.
//
// # Framing
//
// Every frame is a u32 big-endian length followed by that many payload bytes.
// Before encryption is installed the payload is a JSON object with a "type"
// discriminator. After key exchange the payload is
//
//	nonce(12) || ciphertext || tag(16)
//
// and the plaintext inside is the same JSON framing.
//
// # Encryption
//
// Key exchange is an ephemeral X25519 agreement; the AES-256-GCM key is the
// SHA-256 of the shared secret. Each direction keeps an independent 96-bit
// counter used directly as the nonce, advancing by exactly one per frame.
// Receivers enforce strictly increasing nonces; a duplicate is fatal.
package wire
