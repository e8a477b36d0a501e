package internal

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"strings"
)

type SessionID [16]byte

const (
	keyPrefixRawSize = 5
	keySecretSize    = 32
	// KeySeparator joins an API key prefix and its secret.
	KeySeparator = "_"
)

var (
	ErrKeyFormat = errors.New("invalid api key format")

	prefixEncoding = base32.NewEncoding("abcdefghijklmnopqrstuvwxyz234567").WithPadding(base32.NoPadding)
)

func NewSessionID() (SessionID, error) {
	var sid SessionID
	_, err := rand.Read(sid[:])
	return sid, err
}

func (s SessionID) String() string {
	// base64url, no padding, compact
	return base64.RawURLEncoding.EncodeToString(s[:])
}

func ParseSessionID(sessionID string) (SessionID, error) {
	var sid SessionID

	raw, err := base64.RawURLEncoding.DecodeString(sessionID)
	if err != nil {
		return sid, err
	}
	if len(raw) != len(sid) {
		return sid, errors.New("invalid session id size")
	}

	copy(sid[:], raw)
	return sid, nil
}

// NewKeyPrefix returns an 8-character lowercase lookup prefix.
func NewKeyPrefix() (string, error) {
	var raw [keyPrefixRawSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return prefixEncoding.EncodeToString(raw[:]), nil
}

// NewKeySecret returns a base64url secret carrying 256 bits of entropy.
func NewKeySecret() (string, error) {
	var raw [keySecretSize]byte
	if _, err := rand.Read(raw[:]); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(raw[:]), nil
}

func EncodeAPIKey(prefix, secret string) string {
	return prefix + KeySeparator + secret
}

// SplitAPIKey separates a presented key at the first separator. The prefix
// alphabet never contains the separator; the secret may.
func SplitAPIKey(presented string) (prefix, secret string, err error) {
	prefix, secret, ok := strings.Cut(presented, KeySeparator)
	if !ok || len(prefix) != prefixEncoding.EncodedLen(keyPrefixRawSize) || secret == "" {
		return "", "", ErrKeyFormat
	}
	if _, err := prefixEncoding.DecodeString(prefix); err != nil {
		return "", "", ErrKeyFormat
	}
	if len(secret) != base64.RawURLEncoding.EncodedLen(keySecretSize) {
		return "", "", ErrKeyFormat
	}
	return prefix, secret, nil
}

// Fingerprint returns a short, stable, non-reversible identifier for v,
// suitable for rate-limit identities and logs.
func Fingerprint(v string) string {
	sum := sha256.Sum256([]byte(v))
	return hex.EncodeToString(sum[:12])
}
