package logger

import (
	"bytes"
	"os"
	"path/filepath"
	"time"
)

// FileName returns the name of the log file covering the given instant.
func FileName(t time.Time) string {
	return "server-" + t.Format("2006-01-02") + ".log"
}

// destinationFile writes to a daily-rotated file inside a directory.
// The file is reopened whenever the day changes.
type destinationFile struct {
	dir     string
	timeNow func() time.Time

	file    *os.File
	curName string
	buf     bytes.Buffer
}

func newDestinationFile(dir string, timeNow func() time.Time) (destination, error) {
	err := os.MkdirAll(dir, 0o755)
	if err != nil {
		return nil, err
	}

	d := &destinationFile{
		dir:     dir,
		timeNow: timeNow,
	}

	err = d.reopen(timeNow())
	if err != nil {
		return nil, err
	}

	return d, nil
}

func (d *destinationFile) reopen(t time.Time) error {
	if d.file != nil {
		d.file.Close()
		d.file = nil
	}

	name := FileName(t)

	f, err := os.OpenFile(filepath.Join(d.dir, name), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}

	d.file = f
	d.curName = name
	return nil
}

func (d *destinationFile) log(t time.Time, level Level, format string, args ...interface{}) {
	if name := FileName(t); name != d.curName {
		if err := d.reopen(t); err != nil {
			return
		}
	}

	d.buf.Reset()
	writeTime(&d.buf, t, false)
	writeLevel(&d.buf, level, false)
	writeContent(&d.buf, format, args)
	d.file.Write(d.buf.Bytes()) //nolint:errcheck
}

func (d *destinationFile) close() {
	if d.file != nil {
		d.file.Close()
	}
}
