package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"unicode/utf8"

	"golang.org/x/crypto/hkdf"

	"utter/internal/domain"
)

// Key-derivation parameters shared with every other endpoint implementation.
// Changing either breaks interoperability.
const (
	HKDFSalt = "utter-relay-e2e-2024"
	HKDFInfo = "message-encryption-v1"

	symmetricKeySize = 32
	tagSize          = 16
)

var errShortCiphertext = errors.New("ciphertext shorter than authentication tag")

// Encrypt seals plaintext for recipient.
//
// A fresh ephemeral key pair is generated for this call only; its private
// half is wiped before returning, so a later compromise of either long-term
// key does not expose the message.
func Encrypt(plaintext []byte, recipient domain.X25519Public) (domain.Envelope, error) {
	var env domain.Envelope
	if recipient.IsZero() {
		return env, errors.New("encrypt: recipient public key is empty")
	}

	ephPriv, ephPub, err := GenerateX25519()
	if err != nil {
		return env, fmt.Errorf("encrypt: ephemeral key: %w", err)
	}
	defer Wipe(ephPriv[:])

	shared, err := DH(ephPriv, recipient)
	if err != nil {
		return env, fmt.Errorf("encrypt: key agreement: %w", err)
	}
	defer Wipe(shared[:])

	aead, err := newAEAD(shared[:])
	if err != nil {
		return env, fmt.Errorf("encrypt: %w", err)
	}

	if _, err := io.ReadFull(rand.Reader, env.Nonce[:]); err != nil {
		return env, fmt.Errorf("encrypt: nonce: %w", err)
	}
	env.Ciphertext = aead.Seal(nil, env.Nonce[:], plaintext, nil)
	env.EphemeralPublic = ephPub
	return env, nil
}

// Decrypt opens env with the receiver's long-term private key.
//
// Every failure is reported as a decryption error; no partial plaintext is
// ever returned.
func Decrypt(env domain.Envelope, priv domain.X25519Private) (string, error) {
	if len(env.Ciphertext) < tagSize {
		return "", domain.Wrap(domain.KindDecryption, "decrypt", errShortCiphertext)
	}

	shared, err := DH(priv, env.EphemeralPublic)
	if err != nil {
		return "", domain.Wrap(domain.KindDecryption, "decrypt: key agreement", err)
	}
	defer Wipe(shared[:])

	aead, err := newAEAD(shared[:])
	if err != nil {
		return "", domain.Wrap(domain.KindDecryption, "decrypt", err)
	}

	pt, err := aead.Open(nil, env.Nonce[:], env.Ciphertext, nil)
	if err != nil {
		return "", domain.Wrap(domain.KindDecryption, "decrypt: authentication failed", err)
	}
	if !utf8.Valid(pt) {
		Wipe(pt)
		return "", domain.Errorf(domain.KindDecryption, "decrypt: plaintext is not valid UTF-8")
	}
	return string(pt), nil
}

// EncryptString is Encrypt for text messages.
func EncryptString(text string, recipient domain.X25519Public) (domain.Envelope, error) {
	return Encrypt([]byte(text), recipient)
}

// deriveKey runs HKDF-SHA256 over the DH output.
func deriveKey(shared []byte) ([]byte, error) {
	r := hkdf.New(sha256.New, shared, []byte(HKDFSalt), []byte(HKDFInfo))
	key := make([]byte, symmetricKeySize)
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, fmt.Errorf("hkdf: %w", err)
	}
	return key, nil
}

func newAEAD(shared []byte) (cipher.AEAD, error) {
	key, err := deriveKey(shared)
	if err != nil {
		return nil, err
	}
	defer Wipe(key)

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}
