// Package audioout contains the local speaker output.
package audioout

import (
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/pttbox/pttbox/internal/externalcmd"
	"github.com/pttbox/pttbox/internal/logger"
)

var timeNow = time.Now

// crashCooldown is how long playback stays disabled after the
// persistent decoder helper dies, instead of respawning it in a loop.
const crashCooldown = 30 * time.Second

// Output streams Ogg/Opus audio to a speaker subprocess.
//
// In persistent mode one long-lived decoder is kept across
// transmissions and the Ogg granule position advances monotonically.
// Otherwise a decoder is spawned per transmission.
type Output struct {
	Enabled         bool
	Persistent      bool
	Command         string
	SpeakerDeviceID string
	Pool            *externalcmd.Pool
	Parent          logger.Writer

	mutex     sync.Mutex
	cmd       *externalcmd.Cmd
	ogg       *oggwriter.OggWriter
	streaming bool
	crashedAt time.Time
}

// Initialize initializes an Output. In persistent mode the decoder is
// started immediately.
func (o *Output) Initialize() {
	if !o.Enabled || !o.Persistent {
		return
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.start()
}

// Close closes the Output.
func (o *Output) Close() {
	o.mutex.Lock()
	defer o.mutex.Unlock()
	o.stop()
}

// Log implements logger.Writer.
func (o *Output) Log(level logger.Level, format string, args ...interface{}) {
	o.Parent.Log(level, "[audio out] "+format, args...)
}

// StartStream prepares playback of a transmission.
func (o *Output) StartStream() {
	if !o.Enabled {
		return
	}

	o.mutex.Lock()
	defer o.mutex.Unlock()

	if o.cmd == nil {
		if !o.crashedAt.IsZero() && timeNow().Sub(o.crashedAt) < crashCooldown {
			return
		}
		o.start()
	}

	o.streaming = true
}

// WriteRTP forwards an Opus RTP packet to the decoder.
func (o *Output) WriteRTP(pkt *rtp.Packet) {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	if !o.streaming || o.ogg == nil {
		return
	}

	err := o.ogg.WriteRTP(pkt)
	if err != nil {
		o.Log(logger.Warn, "write failed: %v", err)
		o.handleCrash()
	}
}

// StopStream ends playback of a transmission. The persistent decoder
// keeps running; a per-transmission decoder is terminated.
func (o *Output) StopStream() {
	o.mutex.Lock()
	defer o.mutex.Unlock()

	o.streaming = false

	if !o.Persistent {
		o.stop()
	}
}

func (o *Output) start() {
	cmd := &externalcmd.Cmd{
		Pool:      o.Pool,
		CmdStr:    o.Command,
		Env:       externalcmd.Environment{"SPEAKER_DEVICE_ID": o.SpeakerDeviceID},
		PipeStdin: true,
	}
	cmd.OnExit = func(err error) {
		o.mutex.Lock()
		defer o.mutex.Unlock()

		if o.cmd != cmd {
			return
		}

		o.Log(logger.Warn, "decoder exited: %v", err)
		o.handleCrash()
	}

	err := cmd.Start()
	if err != nil {
		o.Log(logger.Error, "cannot start decoder: %v", err)
		o.crashedAt = timeNow()
		return
	}

	ogg, err := oggwriter.NewWith(cmd.Stdin(), 48000, 2)
	if err != nil {
		cmd.Close()
		o.Log(logger.Error, "cannot start decoder: %v", err)
		o.crashedAt = timeNow()
		return
	}

	o.cmd = cmd
	o.ogg = ogg
	o.crashedAt = time.Time{}
}

// handleCrash drops the dead decoder. In persistent mode playback
// stays disabled for the cooldown window.
func (o *Output) handleCrash() {
	o.cmd = nil
	o.ogg = nil
	o.streaming = false

	if o.Persistent {
		o.crashedAt = timeNow()
		o.Log(logger.Warn, "local playback disabled for %v", crashCooldown)
	}
}

func (o *Output) stop() {
	if o.cmd == nil {
		return
	}

	o.ogg.Close() //nolint:errcheck
	o.cmd.Close()
	o.cmd = nil
	o.ogg = nil
}
