package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"

	"utter/internal/crypto"
	"utter/internal/domain"
)

const (
	plainKeyFilename  = "keypair.key"
	sealedKeyFilename = "keypair.enc"
)

// ErrPassphraseRequired is returned when the key file is sealed and no
// passphrase was supplied.
var ErrPassphraseRequired = errors.New("key file is passphrase-protected")

// Keypair is the device's long-term X25519 key pair.
type Keypair struct {
	Private domain.X25519Private
	Public  domain.X25519Public
}

// KeyFileStore keeps the long-term key pair under dir.
//
// Without a passphrase the private key is written as 32 raw bytes (mode 0600);
// with one it is sealed with scrypt + ChaCha20-Poly1305.
type KeyFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewKeyFileStore returns a KeyFileStore rooted at dir.
func NewKeyFileStore(dir string) *KeyFileStore {
	return &KeyFileStore{dir: dir}
}

// LoadOrCreate returns the stored key pair, generating and persisting one on
// first use. created reports whether a new pair was made.
func (s *KeyFileStore) LoadOrCreate(passphrase string) (kp Keypair, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	kp, found, err := s.load(passphrase)
	if err != nil || found {
		return kp, false, err
	}

	priv, pub, err := crypto.GenerateX25519()
	if err != nil {
		return Keypair{}, false, err
	}
	kp = Keypair{Private: priv, Public: pub}
	if err := s.save(passphrase, kp); err != nil {
		return Keypair{}, false, err
	}
	return kp, true, nil
}

// Load returns the stored key pair; ok is false when none exists yet.
func (s *KeyFileStore) Load(passphrase string) (Keypair, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load(passphrase)
}

// Reset deletes the stored key pair. The next LoadOrCreate makes a new one,
// which peers will see as a key change.
func (s *KeyFileStore) Reset() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := removeFile(filepath.Join(s.dir, sealedKeyFilename)); err != nil {
		return err
	}
	return removeFile(filepath.Join(s.dir, plainKeyFilename))
}

func (s *KeyFileStore) load(passphrase string) (Keypair, bool, error) {
	raw, err := readFile(filepath.Join(s.dir, sealedKeyFilename))
	if err != nil {
		return Keypair{}, false, err
	}
	if raw != nil {
		if passphrase == "" {
			return Keypair{}, false, ErrPassphraseRequired
		}
		if raw, err = unseal(passphrase, raw); err != nil {
			return Keypair{}, false, err
		}
	} else {
		raw, err = readFile(filepath.Join(s.dir, plainKeyFilename))
		if err != nil || raw == nil {
			return Keypair{}, false, err
		}
	}
	defer crypto.Wipe(raw)

	if len(raw) != domain.KeySize {
		return Keypair{}, false, fmt.Errorf("invalid key length: %d bytes (expected %d)", len(raw), domain.KeySize)
	}
	var kp Keypair
	copy(kp.Private[:], raw)
	if kp.Public, err = crypto.PublicFromPrivate(kp.Private); err != nil {
		return Keypair{}, false, err
	}
	return kp, true, nil
}

func (s *KeyFileStore) save(passphrase string, kp Keypair) error {
	if passphrase == "" {
		return writeFile(filepath.Join(s.dir, plainKeyFilename), kp.Private[:], 0o600)
	}
	blob, err := seal(passphrase, kp.Private[:])
	if err != nil {
		return err
	}
	return writeFile(filepath.Join(s.dir, sealedKeyFilename), blob, 0o600)
}
