// Package prefs provides the small durable key-value store that lives outside
// the tenant database.
//
// It records which tenant database was last opened and whether a session is
// active, so the application can find and reopen the right database after a
// cold start, before any database call is legal.
//
// Values are kept in a TOML file and replaced atomically (write to a temp file,
// then rename) so a crash mid-write never leaves a truncated file behind.
package prefs

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/BurntSushi/toml"
)

// Values is the full content of the preferences file.
type Values struct {
	TenantID       string `toml:"tenant_id"`
	ServerEndpoint string `toml:"server_endpoint"`
	TenantKey      string `toml:"tenant_key"`
	TenantEntityID string `toml:"tenant_entity_id"`
	SessionID      string `toml:"session_id"`
	LoggedIn       bool   `toml:"logged_in"`
	DisplayName    string `toml:"display_name"`
}

// HasTenant reports whether a tenant database has been recorded.
func (v Values) HasTenant() bool {
	return v.TenantKey != "" && v.TenantID != "" && v.ServerEndpoint != ""
}

// ClearSession drops session-scoped state and keeps the tenant identity.
func (v *Values) ClearSession() {
	v.SessionID = ""
	v.LoggedIn = false
	v.DisplayName = ""
}

// ClearTenant drops everything.
func (v *Values) ClearTenant() {
	*v = Values{}
}

// Store is a file-backed Values holder. It is safe for concurrent use.
//
// The file is shared by every fieldsync process on the device, so each Load
// and Update reads it again rather than trusting an earlier copy.
type Store struct {
	path string

	mu sync.Mutex
}

// Open returns a Store backed by path. The file is created lazily on the
// first Update; a missing file reads as empty Values.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("prefs path cannot be empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create prefs directory: %w", err)
	}
	return &Store{path: path}, nil
}

// Path returns the backing file path.
func (s *Store) Path() string {
	return s.path
}

// Load returns a copy of the current values.
func (s *Store) Load() (Values, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	v, err := s.loadLocked()
	if err != nil {
		return Values{}, err
	}
	return *v, nil
}

// Update applies fn to the current values and persists the result.
// Nothing is written if fn returns an error.
func (s *Store) Update(fn func(v *Values) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, err := s.loadLocked()
	if err != nil {
		return err
	}

	next := *cur
	if err := fn(&next); err != nil {
		return err
	}

	return s.writeLocked(&next)
}

func (s *Store) loadLocked() (*Values, error) {
	var v Values
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return &v, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read prefs: %w", err)
	}

	if _, err := toml.Decode(string(data), &v); err != nil {
		return nil, fmt.Errorf("failed to decode prefs %s: %w", s.path, err)
	}
	return &v, nil
}

func (s *Store) writeLocked(v *Values) error {
	var buf bytes.Buffer
	if err := toml.NewEncoder(&buf).Encode(v); err != nil {
		return fmt.Errorf("failed to encode prefs: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(s.path), ".prefs-*.toml")
	if err != nil {
		return fmt.Errorf("failed to create temp prefs file: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to write prefs: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("failed to sync prefs: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close prefs: %w", err)
	}

	if err := os.Rename(tmpName, s.path); err != nil {
		return fmt.Errorf("failed to replace prefs: %w", err)
	}
	return nil
}
