package store

import (
	"path/filepath"
	"sync"
	"time"
)

const sessionFilename = "session.json"

// Session is the relay session token cached by an endpoint.
type Session struct {
	Token     string    `json:"token"`
	Subject   string    `json:"subject"`
	ExpiresAt time.Time `json:"expires_at"`
	RelayURL  string    `json:"relay_url,omitempty"`
}

// SessionFileStore persists the current session token to disk.
type SessionFileStore struct {
	dir string
	mu  sync.Mutex
}

// NewSessionFileStore returns a SessionFileStore rooted at dir.
func NewSessionFileStore(dir string) *SessionFileStore {
	return &SessionFileStore{dir: dir}
}

// SaveSession replaces the stored session.
func (s *SessionFileStore) SaveSession(sess Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return writeJSON(filepath.Join(s.dir, sessionFilename), sess, 0o600)
}

// LoadSession returns the stored session; ok is false when there is none.
func (s *SessionFileStore) LoadSession() (Session, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var sess Session
	found, err := readJSON(filepath.Join(s.dir, sessionFilename), &sess)
	if err != nil || !found || sess.Token == "" {
		return Session{}, false, err
	}
	return sess, true, nil
}

// ClearSession forgets the stored session (sign out).
func (s *SessionFileStore) ClearSession() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeFile(filepath.Join(s.dir, sessionFilename))
}
