// Package crypto is the endpoint crypto module: the one piece of logic every
// device runs identically.
//
// Contents
//
//   - X25519 key generation, clamping and Diffie–Hellman (GenerateX25519,
//     PublicFromPrivate, DH)
//   - Hybrid envelope encryption (Encrypt, Decrypt): ephemeral-static X25519,
//     HKDF-SHA256 with the fixed HKDFSalt/HKDFInfo pair, AES-256-GCM with a
//     random 96-bit nonce
//   - Best-effort memory wiping for sensitive byte slices (Wipe)
//   - Short public-key fingerprints for display/logging (Fingerprint)
//
// # Notes
//
// The relay never imports Encrypt or Decrypt; it only moves the resulting
// envelopes. Decrypt fails closed and classifies every failure as
// domain.KindDecryption, which stays local to the receiving device.
package crypto
