package domain

import (
	"encoding/base64"
	"fmt"
)

// KeySize is the length of every X25519 key handled by the protocol.
const KeySize = 32

// X25519Public is a Curve25519 public key.
//
// It travels as standard base64 in every wire frame and on-disk record.
type X25519Public [KeySize]byte

// Slice returns the key as a []byte.
func (p X25519Public) Slice() []byte { return p[:] }

// IsZero reports whether the key is unset.
func (p X25519Public) IsZero() bool { return p == X25519Public{} }

// String returns the standard base64 form of the key.
func (p X25519Public) String() string { return base64.StdEncoding.EncodeToString(p[:]) }

// MarshalText implements encoding.TextMarshaler.
func (p X25519Public) MarshalText() ([]byte, error) { return []byte(p.String()), nil }

// UnmarshalText implements encoding.TextUnmarshaler.
func (p *X25519Public) UnmarshalText(b []byte) error {
	k, err := ParseX25519Public(string(b))
	if err != nil {
		return err
	}
	*p = k
	return nil
}

// X25519Private is a Curve25519 private key. It never leaves the device.
type X25519Private [KeySize]byte

// Slice returns the key as a []byte.
func (k X25519Private) Slice() []byte { return k[:] }

// ParseX25519Public decodes a base64 public key and insists on exactly 32 bytes.
func ParseX25519Public(s string) (X25519Public, error) {
	var out X25519Public
	b, err := base64.StdEncoding.DecodeString(s)
	if err != nil {
		return out, fmt.Errorf("public key: %w", err)
	}
	if len(b) != KeySize {
		return out, fmt.Errorf("public key: want %d bytes, got %d", KeySize, len(b))
	}
	copy(out[:], b)
	return out, nil
}

// Fingerprint is a short, human-comparable digest of a public key.
type Fingerprint string
