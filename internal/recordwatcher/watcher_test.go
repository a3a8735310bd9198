package recordwatcher

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/pttbox/pttbox/internal/logger"
)

type nilLogger struct{}

func (nilLogger) Log(_ logger.Level, _ string, _ ...interface{}) {
}

func TestWatcher(t *testing.T) {
	dir := t.TempDir()
	names := make(chan string, 4)

	w := &Watcher{
		Dir:    dir,
		Parent: nilLogger{},
		OnRecording: func(name string) {
			names <- name
		},
	}
	err := w.Initialize()
	require.NoError(t, err)
	defer w.Close()

	// a temp-style name is ignored
	err = os.WriteFile(filepath.Join(dir, "recording_123.wav"), []byte("x"), 0o644)
	require.NoError(t, err)

	// a finalized recording, moved in place like the recorder does
	tmp := filepath.Join(dir, "recording_456.wav")
	err = os.WriteFile(tmp, []byte("x"), 0o644)
	require.NoError(t, err)
	err = os.Rename(tmp, filepath.Join(dir, "web_20090520_103000_aaaaaaaa.wav"))
	require.NoError(t, err)

	select {
	case name := <-names:
		require.Equal(t, "web_20090520_103000_aaaaaaaa.wav", name)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for notification")
	}

	// an external VOX capture created in place
	err = os.WriteFile(filepath.Join(dir, "rec_20090520_104500.wav"), []byte("x"), 0o644)
	require.NoError(t, err)

	select {
	case name := <-names:
		require.Equal(t, "rec_20090520_104500.wav", name)
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for notification")
	}
}
