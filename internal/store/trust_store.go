package store

import (
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"utter/internal/crypto"
	"utter/internal/domain"
)

const knownDevicesFilename = "known_devices.json"

// ErrKeyChanged is returned when a device presents a public key different
// from the one pinned on first sight.
var ErrKeyChanged = errors.New("device public key changed")

type pinnedKey struct {
	PublicKey domain.X25519Public `json:"public_key"`
	FirstSeen time.Time           `json:"first_seen"`
}

// TrustFileStore is a trust-on-first-use keyring of peer device keys.
type TrustFileStore struct {
	dir string
	mu  sync.Mutex
	now func() time.Time
}

// NewTrustFileStore returns a TrustFileStore rooted at dir.
func NewTrustFileStore(dir string) *TrustFileStore {
	return &TrustFileStore{dir: dir, now: time.Now}
}

// Check pins pub for deviceID on first sight and verifies it afterwards.
// With retrust set a changed key replaces the pinned one.
func (s *TrustFileStore) Check(deviceID string, pub domain.X25519Public, retrust bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, knownDevicesFilename)
	known := map[string]pinnedKey{}
	if _, err := readJSON(path, &known); err != nil {
		return err
	}

	pinned, ok := known[deviceID]
	if ok && pinned.PublicKey == pub {
		return nil
	}
	if ok && !retrust {
		return fmt.Errorf("%w for %q: pinned %s, presented %s",
			ErrKeyChanged, deviceID, crypto.Fingerprint(pinned.PublicKey), crypto.Fingerprint(pub))
	}
	known[deviceID] = pinnedKey{PublicKey: pub, FirstSeen: s.now().UTC()}
	return writeJSON(path, known, 0o600)
}

// Pinned returns the pinned key for deviceID.
func (s *TrustFileStore) Pinned(deviceID string) (domain.X25519Public, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	known := map[string]pinnedKey{}
	if _, err := readJSON(filepath.Join(s.dir, knownDevicesFilename), &known); err != nil {
		return domain.X25519Public{}, false, err
	}
	p, ok := known[deviceID]
	return p.PublicKey, ok, nil
}

// Forget removes deviceID from the keyring.
func (s *TrustFileStore) Forget(deviceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path := filepath.Join(s.dir, knownDevicesFilename)
	known := map[string]pinnedKey{}
	if _, err := readJSON(path, &known); err != nil {
		return err
	}
	delete(known, deviceID)
	return writeJSON(path, known, 0o600)
}
