// Package floor contains the transmission floor arbiter.
package floor

import (
	"context"
	"sync"
	"time"

	"github.com/pttbox/pttbox/internal/logger"
)

var timeNow = time.Now

const sweepInterval = 1 * time.Second

// Reserved holder ids. They never collide with minted client ids,
// which are always 8 hex characters.
const (
	// HolderServer is the holder id of the server microphone.
	HolderServer = "server"

	// HolderExternal is the holder id of the external VOX device.
	HolderExternal = "external"
)

// HolderExternalName is the display name of the external VOX device.
const HolderExternalName = "外部デバイス"

// Arbiter grants the transmission floor to at most one holder at a time.
// All mutations are serialized through its lock; a sweeper goroutine
// evicts holders that exceed MaxDuration.
type Arbiter struct {
	MaxDuration time.Duration // 0 disables the timeout
	OnTimeout   func(holder string)
	Parent      logger.Writer

	ctx       context.Context
	ctxCancel func()
	done      chan struct{}

	mutex      sync.Mutex
	holder     string
	holderName string
	grantedAt  time.Time
}

// Initialize initializes an Arbiter.
func (a *Arbiter) Initialize() {
	a.ctx, a.ctxCancel = context.WithCancel(context.Background())
	a.done = make(chan struct{})

	go a.run()
}

// Close closes the Arbiter.
func (a *Arbiter) Close() {
	a.ctxCancel()
	<-a.done
}

// Log implements logger.Writer.
func (a *Arbiter) Log(level logger.Level, format string, args ...interface{}) {
	a.Parent.Log(level, "[floor] "+format, args...)
}

// Request grants the floor to the given holder if it is free.
// On denial it returns the current holder and its display name.
func (a *Arbiter) Request(holder string, holderName string) (bool, string, string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.holder != "" {
		return false, a.holder, a.holderName
	}

	a.holder = holder
	a.holderName = holderName
	a.grantedAt = timeNow()
	a.Log(logger.Info, "granted to %s (%s)", holder, holderName)
	return true, holder, holderName
}

// Release releases the floor. It only succeeds when the caller is the
// current holder; stale releases are ignored.
func (a *Arbiter) Release(holder string) bool {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.holder != holder {
		return false
	}

	a.Log(logger.Info, "released by %s", holder)
	a.clear()
	return true
}

// Current returns the current holder and its display name.
// Both are empty when the floor is free.
func (a *Arbiter) Current() (string, string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	return a.holder, a.holderName
}

func (a *Arbiter) clear() {
	a.holder = ""
	a.holderName = ""
	a.grantedAt = time.Time{}
}

func (a *Arbiter) run() {
	defer close(a.done)

	if a.MaxDuration == 0 {
		<-a.ctx.Done()
		return
	}

	t := time.NewTicker(sweepInterval)
	defer t.Stop()

	for {
		select {
		case <-t.C:
			if evicted, ok := a.sweepTimeout(); ok {
				if a.OnTimeout != nil {
					a.OnTimeout(evicted)
				}
			}

		case <-a.ctx.Done():
			return
		}
	}
}

func (a *Arbiter) sweepTimeout() (string, bool) {
	a.mutex.Lock()
	defer a.mutex.Unlock()

	if a.holder == "" || timeNow().Sub(a.grantedAt) <= a.MaxDuration {
		return "", false
	}

	evicted := a.holder
	a.Log(logger.Warn, "timeout, evicting %s", evicted)
	a.clear()
	return evicted, true
}
