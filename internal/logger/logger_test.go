package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoggerToStdout(t *testing.T) {
	var buf bytes.Buffer

	l := &Logger{
		Level:        Debug,
		Destinations: []Destination{DestinationStdout},
		timeNow:      func() time.Time { return time.Date(2003, 11, 4, 23, 15, 8, 0, time.UTC) },
	}
	err := l.Initialize()
	require.NoError(t, err)
	defer l.Close()

	l.destinations[0].(*destinationStdout).useColor = false
	l.destinations[0].(*destinationStdout).out = &buf

	l.Log(Info, "test format %d", 123)
	require.Equal(t, "2003/11/04 23:15:08 INF test format 123\n", buf.String())
}

func TestLoggerToFile(t *testing.T) {
	dir := t.TempDir()

	cur := time.Date(2003, 11, 4, 23, 15, 8, 0, time.UTC)

	l := &Logger{
		Level:        Debug,
		Destinations: []Destination{DestinationFile},
		FileDir:      dir,
		timeNow:      func() time.Time { return cur },
	}
	err := l.Initialize()
	require.NoError(t, err)
	defer l.Close()

	l.Log(Info, "first")

	// crossing midnight reopens a fresh file
	cur = cur.Add(2 * time.Hour)
	l.Log(Info, "second")

	byts, err := os.ReadFile(filepath.Join(dir, "server-2003-11-04.log"))
	require.NoError(t, err)
	require.Equal(t, "2003/11/04 23:15:08 INF first\n", string(byts))

	byts, err = os.ReadFile(filepath.Join(dir, "server-2003-11-05.log"))
	require.NoError(t, err)
	require.Equal(t, "2003/11/05 01:15:08 INF second\n", string(byts))
}

func TestLoggerLevelFilter(t *testing.T) {
	var buf bytes.Buffer

	l := &Logger{
		Level:        Warn,
		Destinations: []Destination{DestinationStdout},
		timeNow:      func() time.Time { return time.Date(2003, 11, 4, 23, 15, 8, 0, time.UTC) },
	}
	err := l.Initialize()
	require.NoError(t, err)
	defer l.Close()

	l.destinations[0].(*destinationStdout).useColor = false
	l.destinations[0].(*destinationStdout).out = &buf

	l.Log(Debug, "hidden")
	l.Log(Info, "hidden")
	l.Log(Error, "shown")
	require.Equal(t, "2003/11/04 23:15:08 ERR shown\n", buf.String())
}
