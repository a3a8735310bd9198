// Package recordwatcher watches the recordings directory.
package recordwatcher

import (
	"os"
	"path/filepath"

	"github.com/fsnotify/fsnotify"

	"github.com/pttbox/pttbox/internal/logger"
	"github.com/pttbox/pttbox/internal/recorder"
)

// Watcher reacts to recordings appearing in the recordings directory,
// whether written by this process or by an external VOX capture.
type Watcher struct {
	Dir    string
	Parent logger.Writer

	// OnRecording is called with the file name of every new
	// finalized recording.
	OnRecording func(name string)

	w    *fsnotify.Watcher
	done chan struct{}
}

// Initialize initializes a Watcher.
func (w *Watcher) Initialize() error {
	err := os.MkdirAll(w.Dir, 0o755)
	if err != nil {
		return err
	}

	w.w, err = fsnotify.NewWatcher()
	if err != nil {
		return err
	}

	err = w.w.Add(w.Dir)
	if err != nil {
		w.w.Close()
		return err
	}

	w.done = make(chan struct{})
	go w.run()

	return nil
}

// Close closes the Watcher.
func (w *Watcher) Close() {
	w.w.Close()
	<-w.done
}

// Log implements logger.Writer.
func (w *Watcher) Log(level logger.Level, format string, args ...interface{}) {
	w.Parent.Log(level, "[record watcher] "+format, args...)
}

func (w *Watcher) run() {
	defer close(w.done)

	for {
		select {
		case event, ok := <-w.w.Events:
			if !ok {
				return
			}

			// finalized recordings appear through a rename, external
			// captures may be created in place
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			name := filepath.Base(event.Name)
			if !recorder.NameRegexp.MatchString(name) {
				continue
			}

			w.Log(logger.Info, "new recording %s", name)
			w.OnRecording(name)

		case _, ok := <-w.w.Errors:
			if !ok {
				return
			}
		}
	}
}
