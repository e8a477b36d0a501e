// Package keyhash hashes API key secrets for storage and verifies presented
// secrets in constant time. Plaintext secrets are never retained.
//
// Two encodings are supported:
//
//	$b2k$<base64 mac>                                  keyed BLAKE2b-256
//	$argon2id$v=19$m=<memory>,t=<time>,p=<threads>$<salt>$<hash>
//
// Keyed BLAKE2b is the default: generated API secrets carry 256 bits of
// entropy, so a fast keyed MAC with a server-side pepper is sufficient and
// keeps validation latency flat. Argon2id is available for deployments that
// accept imported, lower-entropy secrets.
package keyhash

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"strings"

	"golang.org/x/crypto/blake2b"
)

var (
	// ErrMalformedHash is returned when a stored hash cannot be decoded.
	ErrMalformedHash = errors.New("keyhash: malformed hash")
	// ErrSecretTooShort is returned for secrets below the minimum length.
	ErrSecretTooShort = errors.New("keyhash: secret too short")
)

// Hasher hashes and verifies secrets.
type Hasher interface {
	Hash(secret string) (string, error)
	Verify(secret, encoded string) (bool, error)
}

const (
	keyedPrefix    = "$b2k$"
	minPepperBytes = 32
)

// Keyed is a BLAKE2b-256 MAC keyed with a server-side pepper.
type Keyed struct {
	pepper []byte
}

// NewKeyed returns a Keyed hasher. The pepper must be 32 to 64 bytes.
func NewKeyed(pepper []byte) (*Keyed, error) {
	if len(pepper) < minPepperBytes || len(pepper) > blake2b.Size {
		return nil, errors.New("keyhash: pepper must be 32..64 bytes")
	}
	return &Keyed{pepper: append([]byte(nil), pepper...)}, nil
}

func (k *Keyed) mac(secret string) ([]byte, error) {
	h, err := blake2b.New256(k.pepper)
	if err != nil {
		return nil, err
	}
	h.Write([]byte(secret))
	return h.Sum(nil), nil
}

// Hash returns the keyed encoding of secret.
func (k *Keyed) Hash(secret string) (string, error) {
	if len(secret) < minSecretBytes {
		return "", ErrSecretTooShort
	}
	sum, err := k.mac(secret)
	if err != nil {
		return "", err
	}
	return keyedPrefix + base64.RawStdEncoding.EncodeToString(sum), nil
}

// Verify compares the MAC of secret with encoded in constant time.
func (k *Keyed) Verify(secret, encoded string) (bool, error) {
	if !strings.HasPrefix(encoded, keyedPrefix) {
		return false, ErrMalformedHash
	}
	want, err := base64.RawStdEncoding.DecodeString(strings.TrimPrefix(encoded, keyedPrefix))
	if err != nil || len(want) != blake2b.Size256 {
		return false, ErrMalformedHash
	}
	got, err := k.mac(secret)
	if err != nil {
		return false, err
	}
	return subtle.ConstantTimeCompare(got, want) == 1, nil
}

// Decoy returns a valid hash of a random secret. Verifying against it costs
// the same as a real comparison and never succeeds, which keeps unknown-key
// lookups indistinguishable by timing.
func Decoy(h Hasher) (string, error) {
	var raw [32]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return h.Hash(base64.RawURLEncoding.EncodeToString(raw[:]))
}
