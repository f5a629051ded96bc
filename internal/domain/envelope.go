package domain

// NonceSize is the AES-GCM nonce length used by every endpoint.
const NonceSize = 12

// Envelope is the opaque encrypted message. The relay forwards it verbatim
// and never stores it.
type Envelope struct {
	Ciphertext      []byte
	Nonce           [NonceSize]byte
	EphemeralPublic X25519Public
	// SenderPublic is filled in by the relay from the sender's registration.
	SenderPublic X25519Public
}

// ReceivedText is a decrypted message as surfaced to the receiving endpoint.
type ReceivedText struct {
	From      string
	Plaintext string
}
