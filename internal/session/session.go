// Package session holds the cloud account state: the signed-in email and the
// API key. It is persisted as a small YAML file.
package session

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"beaconsync/internal/errs"
)

type state struct {
	Email      string    `yaml:"email,omitempty"`
	APIKey     string    `yaml:"api_key,omitempty"`
	SignedInAt time.Time `yaml:"signed_in_at,omitempty"`
	LastSyncAt time.Time `yaml:"last_sync_at,omitempty"`
}

// Session is safe for concurrent use. A zero path keeps it in memory only.
type Session struct {
	path string

	// saveMu orders file writes; the snapshot is taken under it so the last
	// write always holds the latest state.
	saveMu sync.Mutex

	mu sync.RWMutex
	st state
}

func New(path string) *Session { return &Session{path: path} }

// Load reads the session file. A missing file is an empty session.
func Load(path string) (*Session, error) {
	s := New(path)
	if path == "" {
		return s, nil
	}
	b, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return s, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read session: %w", err)
	}
	if err := yaml.Unmarshal(b, &s.st); err != nil {
		return nil, fmt.Errorf("parse session %s: %w", path, err)
	}
	return s, nil
}

// Save writes the session file with owner-only permissions.
func (s *Session) Save() error {
	if s.path == "" {
		return nil
	}
	s.saveMu.Lock()
	defer s.saveMu.Unlock()

	s.mu.RLock()
	b, err := yaml.Marshal(s.st)
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("create session dir: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, b, 0o600); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write session: %w", err)
	}
	return nil
}

// Set signs in and saves.
func (s *Session) Set(email, apiKey string) error {
	s.mu.Lock()
	s.st = state{Email: email, APIKey: apiKey, SignedInAt: time.Now().UTC()}
	s.mu.Unlock()
	return s.Save()
}

// Clear signs out and saves.
func (s *Session) Clear() error {
	s.mu.Lock()
	s.st = state{}
	s.mu.Unlock()
	return s.Save()
}

// APIKey returns the bearer token, or ErrNotAuthorized when signed out.
func (s *Session) APIKey() (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.st.APIKey == "" {
		return "", errs.ErrNotAuthorized
	}
	return s.st.APIKey, nil
}

func (s *Session) Email() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.Email
}

func (s *Session) Authorized() bool {
	_, err := s.APIKey()
	return err == nil
}

// MarkSynced records the completion time of a cloud sync and saves.
func (s *Session) MarkSynced(at time.Time) error {
	s.mu.Lock()
	s.st.LastSyncAt = at.UTC()
	s.mu.Unlock()
	return s.Save()
}

func (s *Session) LastSync() time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.st.LastSyncAt
}
