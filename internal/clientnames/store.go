// Package clientnames contains the persistent client display name table.
package clientnames

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"

	"github.com/pttbox/pttbox/internal/logger"
)

const fileName = "client_names.json"

// Store persists the clientId to displayName mapping next to the
// recordings, so post-hoc processing can label audio files.
type Store struct {
	Dir    string
	Parent logger.Writer

	mutex sync.Mutex
	names map[string]string
}

// Initialize initializes a Store, loading the existing table if present.
func (s *Store) Initialize() error {
	s.names = make(map[string]string)

	byts, err := os.ReadFile(s.fpath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	err = json.Unmarshal(byts, &s.names)
	if err != nil {
		s.Log(logger.Warn, "corrupted table, starting empty: %v", err)
		s.names = make(map[string]string)
	}

	return nil
}

// Log implements logger.Writer.
func (s *Store) Log(level logger.Level, format string, args ...interface{}) {
	s.Parent.Log(level, "[client names] "+format, args...)
}

func (s *Store) fpath() string {
	return filepath.Join(s.Dir, fileName)
}

// Set records a display name and persists the table.
func (s *Store) Set(clientID string, displayName string) {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	if s.names[clientID] == displayName {
		return
	}

	s.names[clientID] = displayName
	s.save()
}

// Get returns the display name of a client, or the empty string.
func (s *Store) Get(clientID string) string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.names[clientID]
}

// Snapshot returns a copy of the whole table.
func (s *Store) Snapshot() map[string]string {
	s.mutex.Lock()
	defer s.mutex.Unlock()

	ret := make(map[string]string, len(s.names))
	for k, v := range s.names {
		ret[k] = v
	}
	return ret
}

func (s *Store) save() {
	byts, err := json.MarshalIndent(s.names, "", "  ")
	if err != nil {
		return
	}

	tmp := s.fpath() + ".tmp"

	err = os.WriteFile(tmp, byts, 0o644)
	if err != nil {
		s.Log(logger.Error, "cannot save: %v", err)
		return
	}

	err = os.Rename(tmp, s.fpath())
	if err != nil {
		s.Log(logger.Error, "cannot save: %v", err)
	}
}
