package clientnames

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pttbox/pttbox/internal/logger"
)

type nilLogger struct{}

func (nilLogger) Log(_ logger.Level, _ string, _ ...interface{}) {
}

func TestStorePersistence(t *testing.T) {
	dir := t.TempDir()

	s := &Store{Dir: dir, Parent: nilLogger{}}
	err := s.Initialize()
	require.NoError(t, err)

	s.Set("aaaaaaaa", "alice")
	s.Set("bbbbbbbb", "bob")
	require.Equal(t, "alice", s.Get("aaaaaaaa"))

	// a new store instance sees the persisted table
	s2 := &Store{Dir: dir, Parent: nilLogger{}}
	err = s2.Initialize()
	require.NoError(t, err)
	require.Equal(t, map[string]string{
		"aaaaaaaa": "alice",
		"bbbbbbbb": "bob",
	}, s2.Snapshot())
}

func TestStoreCorrupted(t *testing.T) {
	dir := t.TempDir()

	err := os.WriteFile(filepath.Join(dir, fileName), []byte("{invalid"), 0o644)
	require.NoError(t, err)

	s := &Store{Dir: dir, Parent: nilLogger{}}
	err = s.Initialize()
	require.NoError(t, err)
	require.Equal(t, "", s.Get("aaaaaaaa"))
}
