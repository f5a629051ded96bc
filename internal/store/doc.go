// Package store provides the endpoint's durable local storage.
//
// Everything lives as small files under the user's configured home
// directory, written atomically (temp file + rename) with mode 0600:
//
//   - the long-term X25519 key pair (KeyFileStore), raw or passphrase-sealed
//   - the cached relay session token (SessionFileStore)
//   - the trust-on-first-use keyring of peer device keys (TrustFileStore)
//
// All methods are concurrency-safe via internal locking.
package store
