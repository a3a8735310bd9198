// Package logcleaner contains the log retention sweeper.
package logcleaner

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pttbox/pttbox/internal/logger"
)

var timeNow = time.Now

const cleanInterval = 24 * time.Hour

// Cleaner removes daily log files older than the retention window.
type Cleaner struct {
	Dir           string
	RetentionDays int
	Parent        logger.Writer

	ctx       context.Context
	ctxCancel func()
	done      chan struct{}
}

// Initialize initializes a Cleaner.
func (c *Cleaner) Initialize() {
	c.ctx, c.ctxCancel = context.WithCancel(context.Background())
	c.done = make(chan struct{})

	go c.run()
}

// Close closes the Cleaner.
func (c *Cleaner) Close() {
	c.ctxCancel()
	<-c.done
}

// Log implements logger.Writer.
func (c *Cleaner) Log(level logger.Level, format string, args ...interface{}) {
	c.Parent.Log(level, "[log cleaner] "+format, args...)
}

func (c *Cleaner) run() {
	defer close(c.done)

	c.doRun()

	for {
		select {
		case <-time.After(cleanInterval):
			c.doRun()

		case <-c.ctx.Done():
			return
		}
	}
}

func (c *Cleaner) doRun() {
	if c.RetentionDays == 0 {
		return
	}

	cutoff := timeNow().AddDate(0, 0, -c.RetentionDays)

	entries, err := os.ReadDir(c.Dir)
	if err != nil {
		return
	}

	for _, e := range entries {
		if e.IsDir() {
			continue
		}

		day, ok := fileDay(e.Name())
		if !ok {
			continue
		}

		if day.Before(cutoff) {
			fpath := filepath.Join(c.Dir, e.Name())
			c.Log(logger.Debug, "removing %s", fpath)
			os.Remove(fpath)
		}
	}
}

// fileDay extracts the day covered by a daily log file name.
func fileDay(name string) (time.Time, bool) {
	if !strings.HasPrefix(name, "server-") || !strings.HasSuffix(name, ".log") {
		return time.Time{}, false
	}

	day, err := time.Parse("2006-01-02", strings.TrimSuffix(strings.TrimPrefix(name, "server-"), ".log"))
	if err != nil {
		return time.Time{}, false
	}

	return day, true
}
