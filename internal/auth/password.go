// ABOUTME: Argon2id password hashing with PHC-encoded embedded parameters
// ABOUTME: Verification reads parameters from the stored hash, not server config

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"unicode"

	"golang.org/x/crypto/argon2"
)

// ErrWeakPassword is returned when a password fails the strength policy
var ErrWeakPassword = errors.New("password does not meet policy")

// ErrMalformedHash is returned when a stored hash cannot be parsed
var ErrMalformedHash = errors.New("malformed password hash")

// Hasher derives and verifies argon2id password hashes. The zero value is not
// usable; construct with NewHasher.
type Hasher struct {
	time    uint32
	memory  uint32 // KiB
	threads uint8
	keyLen  uint32
	saltLen uint32

	minLength  int
	minClasses int

	// dummy is a fixed hash verified for unknown users so the response time
	// does not reveal account existence.
	dummy string
}

// HasherParams tunes hashing cost and password policy. Zero fields take defaults.
type HasherParams struct {
	Time       uint32
	MemoryKiB  uint32
	Threads    uint8
	MinLength  int
	MinClasses int
}

// NewHasher creates a Hasher. Defaults: 2 iterations, 19 MiB, 1 lane,
// minimum length 8, at least 2 character classes.
func NewHasher(params HasherParams) *Hasher {
	h := &Hasher{
		time:       params.Time,
		memory:     params.MemoryKiB,
		threads:    params.Threads,
		keyLen:     32,
		saltLen:    16,
		minLength:  params.MinLength,
		minClasses: params.MinClasses,
	}
	if h.time == 0 {
		h.time = 2
	}
	if h.memory == 0 {
		h.memory = 19 * 1024
	}
	if h.threads == 0 {
		h.threads = 1
	}
	if h.minLength == 0 {
		h.minLength = 8
	}
	if h.minClasses == 0 {
		h.minClasses = 2
	}

	dummy, err := h.Hash("lair-dummy-credential")
	if err != nil {
		// Hash only fails if the entropy source is broken; nothing works then.
		panic(fmt.Sprintf("auth: creating dummy hash: %v", err))
	}
	h.dummy = dummy
	return h
}

// CheckPolicy validates a plaintext password against the strength policy
func (h *Hasher) CheckPolicy(password string) error {
	if len(password) < h.minLength {
		return ErrWeakPassword
	}
	var lower, upper, digit, other bool
	for _, r := range password {
		switch {
		case unicode.IsLower(r):
			lower = true
		case unicode.IsUpper(r):
			upper = true
		case unicode.IsDigit(r):
			digit = true
		default:
			other = true
		}
	}
	classes := 0
	for _, ok := range []bool{lower, upper, digit, other} {
		if ok {
			classes++
		}
	}
	if classes < h.minClasses {
		return ErrWeakPassword
	}
	return nil
}

// Hash derives an argon2id hash and encodes it in PHC string format:
// $argon2id$v=19$m=<KiB>,t=<iters>,p=<lanes>$<salt>$<key>
func (h *Hasher) Hash(password string) (string, error) {
	salt := make([]byte, h.saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", fmt.Errorf("generating salt: %w", err)
	}

	key := argon2.IDKey([]byte(password), salt, h.time, h.memory, h.threads, h.keyLen)

	return fmt.Sprintf("$argon2id$v=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2.Version, h.memory, h.time, h.threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(key),
	), nil
}

// Verify checks a password against a stored PHC hash using the parameters
// embedded in the hash. The comparison is constant-time.
func (h *Hasher) Verify(encoded, password string) (bool, error) {
	parts := strings.Split(encoded, "$")
	if len(parts) != 6 || parts[1] != "argon2id" {
		return false, ErrMalformedHash
	}

	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil {
		return false, ErrMalformedHash
	}
	if version != argon2.Version {
		return false, fmt.Errorf("%w: unsupported version %d", ErrMalformedHash, version)
	}

	var memory, time uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &time, &threads); err != nil {
		return false, ErrMalformedHash
	}

	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, ErrMalformedHash
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil {
		return false, ErrMalformedHash
	}

	got := argon2.IDKey([]byte(password), salt, time, memory, threads, uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// VerifyDummy burns the same hashing cost as a real verification. Called on
// the unknown-user path so timing does not reveal whether an account exists.
func (h *Hasher) VerifyDummy(password string) {
	_, _ = h.Verify(h.dummy, password)
}
